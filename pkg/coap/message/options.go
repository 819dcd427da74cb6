package message

import "sort"

// Option number registry (RFC 7252 §5.10, §12.2). Only the subset this
// reliability core and its reference Webservice need to recognize.
const (
	OptionIfMatch       = 1
	OptionUriHost       = 3
	OptionETag          = 4
	OptionIfNoneMatch   = 5
	OptionObserve       = 6
	OptionUriPort       = 7
	OptionLocationPath  = 8
	OptionUriPath       = 11
	OptionContentFormat = 12
	OptionMaxAge        = 14
	OptionUriQuery      = 15
	OptionAccept        = 17
	OptionLocationQuery = 20
	OptionProxyUri      = 35
	OptionProxyScheme   = 39
	OptionSize1         = 60
)

// OptionDef records registry metadata for an option number: its name and
// whether it may repeat. Whether an option is critical is not stored here;
// it follows from the number alone (see IsCritical).
type OptionDef struct {
	Name       string
	Repeatable bool
}

var registry = map[int]OptionDef{
	OptionIfMatch:       {"If-Match", true},
	OptionUriHost:       {"Uri-Host", false},
	OptionETag:          {"ETag", true},
	OptionIfNoneMatch:   {"If-None-Match", false},
	OptionObserve:       {"Observe", false},
	OptionUriPort:       {"Uri-Port", false},
	OptionLocationPath:  {"Location-Path", true},
	OptionUriPath:       {"Uri-Path", true},
	OptionContentFormat: {"Content-Format", false},
	OptionMaxAge:        {"Max-Age", false},
	OptionUriQuery:      {"Uri-Query", true},
	OptionAccept:        {"Accept", false},
	OptionLocationQuery: {"Location-Query", true},
	OptionProxyUri:      {"Proxy-Uri", false},
	OptionProxyScheme:   {"Proxy-Scheme", false},
	OptionSize1:         {"Size1", false},
}

// IsCritical reports whether an unrecognized option of this number must
// cause the message to be rejected (RFC 7252 §5.4.1: odd option numbers).
func IsCritical(number int) bool {
	return number%2 == 1
}

// LookupOption returns registry metadata for number, if known.
func LookupOption(number int) (OptionDef, bool) {
	def, ok := registry[number]
	return def, ok
}

// Option is a single decoded CoAP option (RFC 7252 §3.1).
type Option struct {
	Number int
	Value  []byte
}

// Options is an ordered collection of options, as they appear on the wire
// (ascending by Number, required for delta-encoding).
type Options []Option

// Clone returns a deep copy.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for i, opt := range o {
		out[i] = Option{Number: opt.Number, Value: append([]byte(nil), opt.Value...)}
	}
	return out
}

// Add appends an option and keeps the slice sorted by option number, which
// the codec relies on for delta encoding.
func (o Options) Add(number int, value []byte) Options {
	out := append(o, Option{Number: number, Value: value})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Get returns the values of every option with the given number, in order.
func (o Options) Get(number int) [][]byte {
	var out [][]byte
	for _, opt := range o {
		if opt.Number == number {
			out = append(out, opt.Value)
		}
	}
	return out
}

// GetFirst returns the first option value with the given number, if any.
func (o Options) GetFirst(number int) ([]byte, bool) {
	for _, opt := range o {
		if opt.Number == number {
			return opt.Value, true
		}
	}
	return nil, false
}

// UriPath rebuilds the request path from Uri-Path options: a leading "/"
// followed by each component joined by "/", per spec.md §4.F.
func (o Options) UriPath() string {
	parts := o.Get(OptionUriPath)
	if len(parts) == 0 {
		return "/"
	}
	path := ""
	for _, p := range parts {
		path += "/" + string(p)
	}
	return path
}

// MaxAge returns the Max-Age option value in seconds, defaulting to 60 per
// RFC 7252 §5.10.5 when absent.
func (o Options) MaxAge() uint32 {
	v, ok := o.GetFirst(OptionMaxAge)
	if !ok {
		return 60
	}
	return decodeUint(v)
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func encodeUint(v uint32) []byte {
	if v == 0 {
		return nil
	}
	var b []byte
	for v > 0 {
		b = append([]byte{byte(v & 0xff)}, b...)
		v >>= 8
	}
	return b
}

// AddUint appends a uint-valued option using CoAP's minimal-length integer
// encoding (RFC 7252 §3.2).
func (o Options) AddUint(number int, value uint32) Options {
	return o.Add(number, encodeUint(value))
}
