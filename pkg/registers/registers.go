// Package registers carries the per-model register catalog: named
// addresses, parameter maps per wiring configuration, and plausibility
// windows for decoded readings. It is static configuration data; the
// calibration core consumes it read-only.
package registers

// DataKind tags how a register block is interpreted.
type DataKind int

const (
	KindU16 DataKind = iota
	KindU32
	KindFloat
	KindString
)

func (k DataKind) String() string {
	switch k {
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	}
	return "unknown"
}

// Registers returns the number of 16-bit registers the kind occupies.
func (k DataKind) Registers() uint16 {
	switch k {
	case KindU16:
		return 1
	default:
		return 2
	}
}

// Address is one logical register location.
type Address struct {
	Offset uint16
	Kind   DataKind
}

// Wiring identifies the meter connection configuration. The core treats
// it as an opaque tag used to select the applicable parameter set.
type Wiring string

const (
	Wiring3P3W Wiring = "3P3W"
	Wiring3P4W Wiring = "3P4W"
	Wiring4WS1 Wiring = "4WS1"
	Wiring4WS2 Wiring = "4WS2"
)

// Valid reports whether w names a known wiring configuration.
func (w Wiring) Valid() bool {
	switch w {
	case Wiring3P3W, Wiring3P4W, Wiring4WS1, Wiring4WS2:
		return true
	}
	return false
}

// Named addresses shared by all supported models.
const (
	// Measurement block base; parameters live at fixed offsets from it.
	MeasurementBase uint16 = 0x0000

	// Calibration gain block. One float gain per measured quantity.
	GainBase uint16 = 0x2580

	// Key-test status registers.
	KeyUp    uint16 = 0x25BE
	KeyDown  uint16 = 0x25C0
	KeyEnter uint16 = 0x25C2

	// Identity block, unlocked by writing UnlockCode to Unlock.
	Unlock    uint16 = 0x17A4
	SerialNum uint16 = 0x17A6
	DateCode  uint16 = 0x17A8
	ModelCode uint16 = 0x17AE
	CalDone   uint16 = 0x17B8
)

// UnlockCode must be written to the Unlock register before any identity
// register accepts a write.
const UnlockCode = 2121

// SwapWords is set for meter models that store float registers with the
// two 16-bit words reversed.
const SwapWords = false

// Parameter is one measured quantity the bench reads.
type Parameter struct {
	Name string
	Unit string
	Addr Address
	// Calibrated marks quantities that take part in the error/gain loop.
	Calibrated bool
	// Plausibility window; readings outside it carry a warning.
	Min, Max float64
}

var threePhase = []Parameter{
	{Name: "voltage_L1", Unit: "V", Addr: Address{Offset: 0x0000, Kind: KindFloat}, Calibrated: true, Min: 170, Max: 280},
	{Name: "voltage_L2", Unit: "V", Addr: Address{Offset: 0x0002, Kind: KindFloat}, Calibrated: true, Min: 170, Max: 280},
	{Name: "voltage_L3", Unit: "V", Addr: Address{Offset: 0x0004, Kind: KindFloat}, Calibrated: true, Min: 170, Max: 280},
	{Name: "current_L1", Unit: "A", Addr: Address{Offset: 0x0006, Kind: KindFloat}, Calibrated: true, Min: 0, Max: 120},
	{Name: "current_L2", Unit: "A", Addr: Address{Offset: 0x0008, Kind: KindFloat}, Calibrated: true, Min: 0, Max: 120},
	{Name: "current_L3", Unit: "A", Addr: Address{Offset: 0x000A, Kind: KindFloat}, Calibrated: true, Min: 0, Max: 120},
	{Name: "watt_L1", Unit: "W", Addr: Address{Offset: 0x000C, Kind: KindFloat}, Min: 0, Max: 30000},
	{Name: "watt_L2", Unit: "W", Addr: Address{Offset: 0x000E, Kind: KindFloat}, Min: 0, Max: 30000},
	{Name: "watt_L3", Unit: "W", Addr: Address{Offset: 0x0010, Kind: KindFloat}, Min: 0, Max: 30000},
	{Name: "frequency", Unit: "Hz", Addr: Address{Offset: 0x0012, Kind: KindFloat}, Min: 45, Max: 65},
}

var singlePhase = []Parameter{
	{Name: "voltage", Unit: "V", Addr: Address{Offset: 0x0000, Kind: KindFloat}, Calibrated: true, Min: 170, Max: 280},
	{Name: "current", Unit: "A", Addr: Address{Offset: 0x0006, Kind: KindFloat}, Calibrated: true, Min: 0, Max: 120},
	{Name: "watt", Unit: "W", Addr: Address{Offset: 0x000C, Kind: KindFloat}, Min: 0, Max: 30000},
	{Name: "frequency", Unit: "Hz", Addr: Address{Offset: 0x0012, Kind: KindFloat}, Min: 45, Max: 65},
}

// Parameters returns the ordered parameter list for a wiring
// configuration. The slice is shared; callers must not mutate it.
func Parameters(w Wiring) []Parameter {
	switch w {
	case Wiring4WS1, Wiring4WS2:
		return singlePhase
	default:
		return threePhase
	}
}

// GainFor returns the gain register paired with a calibrated parameter.
// Gains mirror the measurement block: the gain for the quantity at
// measurement offset X sits at GainBase+X.
func GainFor(p Parameter) Address {
	return Address{Offset: GainBase + p.Addr.Offset, Kind: KindFloat}
}

// ModelCodes maps model + terminal type to the programmed model code.
type ModelCodes map[string]map[string]float64

// DefaultModelCodes is the factory model-code table.
var DefaultModelCodes = ModelCodes{
	"100A": {"2TS": 1200094, "MODBUS": 1200126, "MBUS": 1200222},
	"80A":  {"2TS": 1200093, "MODBUS": 1200125, "MBUS": 1200221},
}

// Lookup returns the model code for a model/type pair.
func (m ModelCodes) Lookup(model, typ string) (float64, bool) {
	types, ok := m[model]
	if !ok {
		return 0, false
	}
	code, ok := types[typ]
	return code, ok
}

// InRange reports whether a reading is inside the parameter's
// plausibility window. Parameters without a window always pass.
func (p Parameter) InRange(v float64) bool {
	if p.Min == 0 && p.Max == 0 {
		return true
	}
	return v >= p.Min && v <= p.Max
}

// Span returns the register address and count covering all parameters in
// the list, suitable for a single block read.
func Span(params []Parameter) (addr, count uint16) {
	if len(params) == 0 {
		return 0, 0
	}
	lo := params[0].Addr.Offset
	hi := lo + params[0].Addr.Kind.Registers()
	for _, p := range params[1:] {
		if p.Addr.Offset < lo {
			lo = p.Addr.Offset
		}
		if end := p.Addr.Offset + p.Addr.Kind.Registers(); end > hi {
			hi = end
		}
	}
	return lo, hi - lo
}
