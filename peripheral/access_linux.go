package peripheral

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezName    = "org.bluez"
	adapterPath  = dbus.ObjectPath("/org/bluez/hci0")
	adapterIface = "org.bluez.Adapter1"
	propsIface   = "org.freedesktop.DBus.Properties"
	accessDenied = "org.freedesktop.DBus.Error.AccessDenied"
)

// CheckAccess verifies that BlueZ is reachable on the system bus and that
// the adapter is powered, powering it on when policy allows.
func CheckAccess(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: system bus: %v", ErrPermissionDenied, err)
	}
	defer conn.Close()

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == bluezName {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s not on the system bus, is bluetooth.service running?", ErrPermissionDenied, bluezName)
	}

	obj := conn.Object(bluezName, adapterPath)
	var v dbus.Variant
	if err := obj.CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return denied(err, "read adapter state")
	}
	if on, _ := v.Value().(bool); on {
		return nil
	}
	err = obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)).Err
	if err != nil {
		return denied(err, "power on adapter")
	}
	return nil
}

func denied(err error, op string) error {
	var name string
	var derr dbus.Error
	var pderr *dbus.Error
	switch {
	case errors.As(err, &derr):
		name = derr.Name
	case errors.As(err, &pderr):
		name = pderr.Name
	}
	if name == accessDenied {
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
