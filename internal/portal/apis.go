package portal

import (
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"
)

const (
	busName    = "org.freedesktop.portal.Desktop"
	objectPath = "/org/freedesktop/portal/desktop"

	screenCastIface   = "org.freedesktop.portal.ScreenCast"
	sessionIface      = "org.freedesktop.portal.Session"
	propertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

func variantBool(v bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(v, boolSignature)
}

func variantString(v string) dbus.Variant {
	return dbus.MakeVariantWithSignature(v, stringSignature)
}

func variantUint32(v uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(v, uint32Signature)
}

// call invokes a method on the desktop portal object and returns the
// single stored result.
func call(name string, args ...any) (any, error) {
	c, err := callOnPath(objectPath, name, args...)
	if err != nil {
		return nil, err
	}

	var result any
	err = c.Store(&result)
	return result, err
}

func callOnPath(path dbus.ObjectPath, name string, args ...any) (*dbus.Call, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	obj := conn.Object(busName, path)
	c := obj.Call(name, 0, args...)
	return c, c.Err
}

func getUint32Property(iface, property string) (uint32, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return 0, err
	}

	obj := conn.Object(busName, objectPath)
	c := obj.Call(propertiesGetName, 0, iface, property)
	if c.Err != nil {
		return 0, c.Err
	}

	var value dbus.Variant
	if err := c.Store(&value); err != nil {
		return 0, err
	}
	result, ok := value.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value.Value())
	}
	return result, nil
}

func listenOnSignal(path dbus.ObjectPath, iface, member string) (chan *dbus.Signal, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = objectPath
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	); err != nil {
		return nil, err
	}

	signal := make(chan *dbus.Signal)
	conn.Signal(signal)
	return signal, nil
}
