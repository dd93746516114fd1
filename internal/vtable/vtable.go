// Package vtable builds D-Bus method tables for interfaces that are only
// known at runtime, discovered via introspection.
// godbus's Export/ExportSubtree dispatch to Go
// struct methods chosen by compile-time reflection, which cannot work for
// an interface the proxy has never seen before it runs. ExportMethodTable
// instead takes a map[string]interface{} of funcs, so this package
// synthesizes one reflect.MakeFunc closure per discovered method, with a
// Go signature derived from the method's D-Bus "in"/"out" signature
// strings.
package vtable

import (
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Handler is invoked for every call dispatched through a built method
// table. iface and member identify the D-Bus interface/method being
// invoked; args are the decoded call arguments in D-Bus wire order. It
// returns the reply body (zero or more values) or a *dbus.Error.
type Handler func(msg dbus.Message, iface, member string, args []interface{}) ([]interface{}, *dbus.Error)

// Method describes one entry to add to a method table.
type Method struct {
	Name   string
	InSig  string // D-Bus signature string for input arguments, e.g. "su"
	OutSig string // D-Bus signature string for return values, e.g. "as"
}

// FromIntrospection extracts the Method list for iface out of an
// introspected node. It does not filter standard interfaces; callers
// filter those out upstream.
func FromIntrospection(node *introspect.Node, iface string) []Method {
	var methods []Method
	for _, i := range node.Interfaces {
		if i.Name != iface {
			continue
		}
		for _, m := range i.Methods {
			methods = append(methods, Method{
				Name:   m.Name,
				InSig:  argsSignature(m.Args, "in"),
				OutSig: argsSignature(m.Args, "out"),
			})
		}
	}
	return methods
}

func argsSignature(args []introspect.Arg, direction string) string {
	var b strings.Builder
	for _, a := range args {
		if a.Direction == direction || (direction == "in" && a.Direction == "") {
			b.WriteString(a.Type)
		}
	}
	return b.String()
}

// goTypeForSig returns the reflect.Type used to decode a single complete
// D-Bus type code. Scalars map to their natural Go type; containers that
// can't be expressed precisely without full signature parsing (structs,
// nested containers) fall back to interface{}/[]interface{}, which godbus
// can always decode into. This covers every scalar and the common
// array/string-keyed-map shapes the agent-rule and introspection-derived
// methods in this proxy actually use; more exotic signatures still
// dispatch correctly, just with looser typing.
func goTypeForSig(sig string) reflect.Type {
	if sig == "" {
		return nil
	}
	switch sig[0] {
	case 'y':
		return reflect.TypeOf(byte(0))
	case 'b':
		return reflect.TypeOf(false)
	case 'n':
		return reflect.TypeOf(int16(0))
	case 'q':
		return reflect.TypeOf(uint16(0))
	case 'i':
		return reflect.TypeOf(int32(0))
	case 'u':
		return reflect.TypeOf(uint32(0))
	case 'x':
		return reflect.TypeOf(int64(0))
	case 't':
		return reflect.TypeOf(uint64(0))
	case 'd':
		return reflect.TypeOf(float64(0))
	case 's':
		return reflect.TypeOf("")
	case 'o':
		return reflect.TypeOf(dbus.ObjectPath(""))
	case 'g':
		return reflect.TypeOf(dbus.Signature{})
	case 'h':
		return reflect.TypeOf(dbus.UnixFDIndex(0))
	case 'v':
		return reflect.TypeOf(dbus.Variant{})
	case 'a':
		return goArrayTypeForSig(sig[1:])
	default:
		// struct ('(' ... ')'), dict entry, or anything else this proxy
		// doesn't need to decode precisely to forward.
		return reflect.TypeOf([]interface{}{})
	}
}

func goArrayTypeForSig(elemSig string) reflect.Type {
	if elemSig == "" {
		return reflect.TypeOf([]interface{}{})
	}
	if strings.HasPrefix(elemSig, "{") {
		// a{kv}: every string-keyed map decodes as a variant map, which
		// covers every a{sv} and a{ss} property/argument this proxy
		// actually handles; maps with any other key type fall back to
		// map[string]interface{}.
		if len(elemSig) >= 2 && elemSig[1] == 's' {
			return reflect.TypeOf(map[string]dbus.Variant{})
		}
		return reflect.TypeOf(map[string]interface{}{})
	}
	elemType := goTypeForSig(elemSig)
	if elemType == nil {
		return reflect.TypeOf([]interface{}{})
	}
	return reflect.SliceOf(elemType)
}

// splitSignature breaks a multi-argument signature string into its
// individual complete types, e.g. "a{sv}os" -> ["a{sv}", "o", "s"].
func splitSignature(sig string) []string {
	var out []string
	i := 0
	for i < len(sig) {
		start := i
		switch sig[i] {
		case 'a':
			i++
			// an array's element is itself a complete type, possibly a
			// container; consume it along with the 'a'.
			for i < len(sig) && sig[i] == 'a' {
				i++
			}
			if i < len(sig) && sig[i] == '{' {
				i = skipContainer(sig, i, '{', '}')
			} else if i < len(sig) && sig[i] == '(' {
				i = skipContainer(sig, i, '(', ')')
			} else if i < len(sig) {
				i++
			}
		case '(':
			i = skipContainer(sig, i, '(', ')')
		case '{':
			i = skipContainer(sig, i, '{', '}')
		default:
			i++
		}
		out = append(out, sig[start:i])
	}
	return out
}

func skipContainer(sig string, i int, open, close byte) int {
	depth := 0
	for ; i < len(sig); i++ {
		if sig[i] == open {
			depth++
		} else if sig[i] == close {
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

// Build synthesizes an ExportMethodTable-compatible map for iface from
// methods, dispatching every call into handle.
func Build(iface string, methods []Method, handle Handler) map[string]interface{} {
	table := make(map[string]interface{}, len(methods))
	for _, m := range methods {
		table[m.Name] = buildMethodFunc(iface, m, handle)
	}
	return table
}

// buildMethodFunc constructs, via reflect.MakeFunc, a function whose
// signature is (dbus.Message, <in args...>) (<out args...>, *dbus.Error) -
// the shape ExportMethodTable expects when the method needs the calling
// message (for the sender's unique name).
// Every generated function accepts the message so the handler can recover
// the caller identity regardless of the underlying method's declared
// arguments.
func buildMethodFunc(iface string, m Method, handle Handler) interface{} {
	inSigs := splitSignature(m.InSig)
	outSigs := splitSignature(m.OutSig)

	in := make([]reflect.Type, 0, len(inSigs)+1)
	in = append(in, reflect.TypeOf(dbus.Message{}))
	for _, s := range inSigs {
		t := goTypeForSig(s)
		if t == nil {
			continue
		}
		in = append(in, t)
	}

	out := make([]reflect.Type, 0, len(outSigs)+1)
	for _, s := range outSigs {
		t := goTypeForSig(s)
		if t == nil {
			continue
		}
		out = append(out, t)
	}
	out = append(out, reflect.TypeOf((*dbus.Error)(nil)))

	fnType := reflect.FuncOf(in, out, false)

	fn := reflect.MakeFunc(fnType, func(callArgs []reflect.Value) []reflect.Value {
		msg := callArgs[0].Interface().(dbus.Message)
		args := make([]interface{}, 0, len(callArgs)-1)
		for _, v := range callArgs[1:] {
			args = append(args, v.Interface())
		}

		results, derr := handle(msg, iface, m.Name, args)

		rv := make([]reflect.Value, len(out))
		for i := range out[:len(out)-1] {
			if i < len(results) && results[i] != nil {
				rv[i] = coerce(results[i], out[i])
			} else {
				rv[i] = reflect.Zero(out[i])
			}
		}
		if derr == nil {
			rv[len(out)-1] = reflect.Zero(reflect.TypeOf((*dbus.Error)(nil)))
		} else {
			rv[len(out)-1] = reflect.ValueOf(derr)
		}
		return rv
	})

	return fn.Interface()
}

// coerce assigns v into the target reflect.Type, falling back to the
// zero value when the dynamic type doesn't match (a forwarding call whose
// relayed reply didn't decode exactly the way this table's signature
// guessed - the reply then carries the zero value in that position and
// no error is reported).
func coerce(v interface{}, t reflect.Type) reflect.Value {
	rv := reflect.ValueOf(v)
	if rv.IsValid() && rv.Type().AssignableTo(t) {
		return rv
	}
	if rv.IsValid() && rv.Type().ConvertibleTo(t) {
		return rv.Convert(t)
	}
	return reflect.Zero(t)
}
