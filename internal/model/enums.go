package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter is the position of the filter wheel.
type Filter int

const (
	FilterBK7 Filter = iota
	FilterMirror
	FilterX
	FilterXz
	FilterYa
	FilterYb
	FilterZ
	FilterIrCut
	FilterInvalid
)

var filterNames = []string{"BK7", "Mirror", "X", "Xz", "Ya", "Yb", "Z", "IrCut", "Invalid"}

// Nd is the position of the neutral density wheel.
type Nd int

const (
	Nd0 Nd = iota
	Nd1
	Nd2
	Nd3
	Nd4
	NdInvalid
)

var ndNames = []string{"Nd_0", "Nd_1", "Nd_2", "Nd_3", "Nd_4", "Invalid"}

// Iris is the iris aperture reported by the hardware.
type Iris int

const (
	Iris2mm Iris = iota
	Iris3mm
	Iris4mm
	Iris5mm
	IrisInvalid
)

var irisNames = []string{"2mm", "3mm", "4mm", "5mm", "Invalid"}

// TempMonitoringState is the sensor temperature regulation state.
type TempMonitoringState int

const (
	TempNotStarted TempMonitoringState = iota
	TempProcessing
	TempLocked
	TempAborted
	TempError
)

var tempNames = []string{"NotStarted", "Processing", "Locked", "Aborted", "Error"}

// WheelState is the state of the filter/nd wheels.
type WheelState int

const (
	WheelIdle WheelState = iota
	WheelSuccess
	WheelOperating
	WheelError
)

var wheelNames = []string{"Idle", "Success", "Operating", "Error"}

// SequenceState is the state of a capture sequence.
type SequenceState int

const (
	SequenceNotStarted SequenceState = iota
	SequenceSetup
	SequenceWaitForTemperature
	SequenceAutoExposure
	SequenceMeasure
	SequenceProcess
	SequenceDone
	SequenceError
	SequenceCancel
)

// SequenceUnknown is assigned when a state name is not recognised.
const SequenceUnknown SequenceState = -1

var sequenceNames = []string{"NotStarted", "Setup", "WaitForTemperature", "AutoExposure", "Measure", "Process", "Done", "Error", "Cancel"}

var sequenceAliases = map[string]SequenceState{
	"waitfortemp": SequenceWaitForTemperature,
	"autoexpo":    SequenceAutoExposure,
}

// Terminal reports whether the sequence has reached Done, Error or Cancel.
func (s SequenceState) Terminal() bool {
	return s == SequenceDone || s == SequenceError || s == SequenceCancel
}

// CfgFileState is the progress of a configuration file transfer.
type CfgFileState int

const (
	CfgFileNotDone CfgFileState = iota
	CfgFileReading
	CfgFileWriting
	CfgFileReadDone
	CfgFileWriteDone
	CfgFileReadError
	CfgFileWriteError
)

var cfgFileNames = []string{"NotDone", "Reading", "Writing", "ReadDone", "WriteDone", "ReadError", "WriteError"}

// MeasureState is the state of an auto-exposure measurement.
type MeasureState int

const (
	MeasureNotStarted MeasureState = iota
	MeasureProcess
	MeasureDone
	MeasureError
	MeasureCancel
)

var measureNames = []string{"NotStarted", "Process", "Done", "Error", "Cancel"}

// lookup returns the index of s in names, accepting names case-insensitively
// and decimal ordinals. ok is false when nothing matches.
func lookup(names []string, s string) (int, bool) {
	s = strings.TrimSpace(s)
	for i, n := range names {
		if strings.EqualFold(n, s) {
			return i, true
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(names) {
		return n, true
	}
	return 0, false
}

func name(names []string, v int, kind string) string {
	if v < 0 || v >= len(names) {
		return fmt.Sprintf("%s(%d)", kind, v)
	}
	return names[v]
}

// ParseFilter maps a name or ordinal to a Filter. Unknown input yields FilterInvalid.
func ParseFilter(s string) Filter {
	if i, ok := lookup(filterNames, s); ok {
		return Filter(i)
	}
	return FilterInvalid
}

// FilterFromOrdinal maps a wire ordinal to a Filter.
func FilterFromOrdinal(n int) Filter {
	if n < 0 || n >= int(FilterInvalid) {
		return FilterInvalid
	}
	return Filter(n)
}

func (f Filter) String() string { return name(filterNames, int(f), "Filter") }

func (f Filter) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Filter) UnmarshalText(b []byte) error {
	*f = ParseFilter(string(b))
	return nil
}

// ParseNd maps a name or ordinal to an Nd. Unknown input yields NdInvalid.
func ParseNd(s string) Nd {
	if i, ok := lookup(ndNames, s); ok {
		return Nd(i)
	}
	if i, ok := lookup(ndNames, strings.Replace(s, "Nd", "Nd_", 1)); ok {
		return Nd(i)
	}
	return NdInvalid
}

// NdFromOrdinal maps a wire ordinal to an Nd.
func NdFromOrdinal(n int) Nd {
	if n < 0 || n >= int(NdInvalid) {
		return NdInvalid
	}
	return Nd(n)
}

func (n Nd) String() string { return name(ndNames, int(n), "Nd") }

func (n Nd) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Nd) UnmarshalText(b []byte) error {
	*n = ParseNd(string(b))
	return nil
}

// ParseIris maps a name or ordinal to an Iris. Unknown input yields IrisInvalid.
func ParseIris(s string) Iris {
	if i, ok := lookup(irisNames, s); ok {
		return Iris(i)
	}
	return IrisInvalid
}

// IrisFromOrdinal maps a wire ordinal to an Iris.
func IrisFromOrdinal(n int) Iris {
	if n < 0 || n >= int(IrisInvalid) {
		return IrisInvalid
	}
	return Iris(n)
}

func (i Iris) String() string { return name(irisNames, int(i), "Iris") }

func (i Iris) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Iris) UnmarshalText(b []byte) error {
	*i = ParseIris(string(b))
	return nil
}

func (t TempMonitoringState) String() string { return name(tempNames, int(t), "TempMonitoringState") }

func (t TempMonitoringState) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TempMonitoringState) UnmarshalText(b []byte) error {
	if i, ok := lookup(tempNames, string(b)); ok {
		*t = TempMonitoringState(i)
		return nil
	}
	*t = -1
	return nil
}

func (w WheelState) String() string { return name(wheelNames, int(w), "WheelState") }

func (w WheelState) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *WheelState) UnmarshalText(b []byte) error {
	if i, ok := lookup(wheelNames, string(b)); ok {
		*w = WheelState(i)
		return nil
	}
	*w = -1
	return nil
}

// ParseSequenceState maps a name or ordinal to a SequenceState.
// Unknown input yields SequenceUnknown, which is not terminal.
func ParseSequenceState(s string) SequenceState {
	if i, ok := lookup(sequenceNames, s); ok {
		return SequenceState(i)
	}
	if st, ok := sequenceAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st
	}
	return SequenceUnknown
}

func (s SequenceState) String() string { return name(sequenceNames, int(s), "SequenceState") }

func (s SequenceState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SequenceState) UnmarshalText(b []byte) error {
	*s = ParseSequenceState(string(b))
	return nil
}

func (c CfgFileState) String() string { return name(cfgFileNames, int(c), "CfgFileState") }

func (c CfgFileState) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CfgFileState) UnmarshalText(b []byte) error {
	if i, ok := lookup(cfgFileNames, string(b)); ok {
		*c = CfgFileState(i)
		return nil
	}
	*c = -1
	return nil
}

func (m MeasureState) String() string { return name(measureNames, int(m), "MeasureState") }

func (m MeasureState) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MeasureState) UnmarshalText(b []byte) error {
	if i, ok := lookup(measureNames, string(b)); ok {
		*m = MeasureState(i)
		return nil
	}
	*m = -1
	return nil
}

// CaptureFilters is the filter order a capture sequence walks through.
var CaptureFilters = []Filter{FilterX, FilterXz, FilterYa, FilterYb, FilterZ}
