// Package codec translates the executor's wire replies into CommandResult
// values and back.
//
// A reply is a compact JSON object carrying at least "Error" (integer) and
// "Message" (string). Every other member is an option the device attached to
// the reply; the device serializes options as strings, so they are kept as
// owned strings in CommandResult.Extras.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/conoscope-control/conoctl/internal/model"
)

// Wire field names.
const (
	FieldError           = "Error"
	FieldMessage         = "Message"
	FieldLibName         = "Lib_Name"
	FieldLibVersion      = "Lib_Version"
	FieldLibDate         = "Lib_Date"
	FieldPipelineName    = "Pipeline_Name"
	FieldPipelineVersion = "Pipeline_Version"
	FieldPipelineDate    = "Pipeline_Date"

	FieldCfgPath            = "CfgPath"
	FieldCameraSerialNumber = "CameraSerialNumber"
	FieldCameraVersion      = "CameraVersion"
	FieldTaktTimeMs         = "TaktTimeMs"
	FieldCaptureFile        = "CaptureFile"
	FieldSaturationFlag     = "SaturationFlag"
	FieldSaturationLevel    = "SaturationLevel"
	FieldSensorTemperature  = "SensorTemperature"
	FieldFilter             = "Filter"
	FieldNd                 = "Nd"
	FieldIris               = "Iris"
	FieldExposureUs         = "ExposureUs"
	FieldNbAcquisition      = "NbAcquisition"
	FieldHeight             = "Height"
	FieldWidth              = "Width"
	FieldConversionFactorX  = "ConversionFactorCompX"
	FieldConversionFactorY  = "ConversionFactorCompY"
	FieldConversionFactorZ  = "ConversionFactorCompZ"
	FieldErrorDescription   = "ErrorDescription"
)

// ErrMalformedResponse is returned when a payload is not a JSON object or
// lacks a required field.
var ErrMalformedResponse = errors.New("MALFORMED_RESPONSE")

var versionFields = []string{
	FieldLibName, FieldLibVersion, FieldLibDate,
	FieldPipelineName, FieldPipelineVersion, FieldPipelineDate,
}

// Decode parses a reply into a CommandResult. A non-zero error code is a
// normal outcome and never makes Decode fail.
func Decode(payload []byte) (model.CommandResult, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return model.CommandResult{}, err
	}

	rawCode, ok := fields[FieldError]
	if !ok {
		return model.CommandResult{}, fmt.Errorf("%w: missing %q", ErrMalformedResponse, FieldError)
	}
	code, err := parseCode(rawCode)
	if err != nil {
		return model.CommandResult{}, err
	}

	rawMsg, ok := fields[FieldMessage]
	if !ok {
		return model.CommandResult{}, fmt.Errorf("%w: missing %q", ErrMalformedResponse, FieldMessage)
	}
	msg, ok := rawMsg.(string)
	if !ok {
		return model.CommandResult{}, fmt.Errorf("%w: %q is not a string", ErrMalformedResponse, FieldMessage)
	}

	result := model.CommandResult{
		ErrorCode: code,
		Message:   msg,
	}
	for k, v := range fields {
		if k == FieldError || k == FieldMessage {
			continue
		}
		if result.Extras == nil {
			result.Extras = make(map[string]string, len(fields)-2)
		}
		result.Extras[k] = stringify(v)
	}

	return result, nil
}

// DecodeVersion parses a GetVersion reply. The six library and pipeline
// identity fields are required.
func DecodeVersion(payload []byte) (model.VersionInfo, error) {
	result, err := Decode(payload)
	if err != nil {
		return model.VersionInfo{}, err
	}

	values := make(map[string]string, len(versionFields))
	for _, f := range versionFields {
		v, ok := result.Extras[f]
		if !ok {
			return model.VersionInfo{}, fmt.Errorf("%w: missing %q", ErrMalformedResponse, f)
		}
		values[f] = v
		delete(result.Extras, f)
	}
	if len(result.Extras) == 0 {
		result.Extras = nil
	}

	return model.VersionInfo{
		CommandResult:   result,
		LibraryName:     values[FieldLibName],
		LibraryVersion:  values[FieldLibVersion],
		LibraryDate:     values[FieldLibDate],
		PipelineName:    values[FieldPipelineName],
		PipelineVersion: values[FieldPipelineVersion],
		PipelineDate:    values[FieldPipelineDate],
	}, nil
}

// Encode produces the wire form of a result: Error as a number, Message and
// every extra as strings.
func Encode(result model.CommandResult) ([]byte, error) {
	obj := make(map[string]interface{}, len(result.Extras)+2)
	for k, v := range result.Extras {
		obj[k] = v
	}
	obj[FieldError] = result.ErrorCode
	obj[FieldMessage] = result.Message

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command result: %w", err)
	}
	return data, nil
}

// EncodeVersion produces the wire form of a GetVersion reply.
func EncodeVersion(v model.VersionInfo) ([]byte, error) {
	result := v.CommandResult
	extras := make(map[string]string, len(result.Extras)+len(versionFields))
	for k, val := range result.Extras {
		extras[k] = val
	}
	extras[FieldLibName] = v.LibraryName
	extras[FieldLibVersion] = v.LibraryVersion
	extras[FieldLibDate] = v.LibraryDate
	extras[FieldPipelineName] = v.PipelineName
	extras[FieldPipelineVersion] = v.PipelineVersion
	extras[FieldPipelineDate] = v.PipelineDate
	result.Extras = extras
	return Encode(result)
}

func decodeObject(payload []byte) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedResponse)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedResponse)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedResponse)
	}
	return fields, nil
}

func parseCode(v interface{}) (int, error) {
	switch c := v.(type) {
	case json.Number:
		n, err := strconv.Atoi(c.String())
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer: %s", ErrMalformedResponse, FieldError, c)
		}
		return n, nil
	case string:
		n, err := strconv.Atoi(c)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer: %q", ErrMalformedResponse, FieldError, c)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %q has type %T", ErrMalformedResponse, FieldError, v)
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
