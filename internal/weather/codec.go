package weather

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// wireRecord mirrors WeatherRecord but keeps predicted optional so the
// sequence a record arrives in can supply the default.
type wireRecord struct {
	City        string      `json:"city"`
	Coordinates Coordinates `json:"coordinates"`
	Timestamp   string      `json:"timestamp"`
	Temperature Temperature `json:"temperature"`
	Humidity    float64     `json:"humidity"`
	WindSpeed   WindSpeed   `json:"wind_speed"`
	Pressure    int         `json:"pressure"`
	Condition   string      `json:"condition"`
	Predicted   *bool       `json:"predicted"`
}

type wireBatch struct {
	Timestamp   string       `json:"timestamp"`
	GeneratedBy string       `json:"generated_by"`
	Current     []wireRecord `json:"current_weather"`
	Predictions []wireRecord `json:"predictions"`
}

// Decode parses one feed message. Missing fields take zero values; predicted
// defaults to false for current records and true for predictions. Unknown
// fields and any other mismatch yield a *DecodeError and no batch.
func Decode(data []byte) (Batch, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Batch{}, newDecodeError(errors.New("empty payload"))
	}
	if trimmed[0] != '{' {
		return Batch{}, newDecodeError(errors.New("payload must be a JSON object"))
	}

	var wire wireBatch
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return Batch{}, newDecodeError(err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Batch{}, newDecodeError(errors.New("multiple JSON values are not allowed"))
	}

	return Batch{
		Timestamp:   wire.Timestamp,
		GeneratedBy: wire.GeneratedBy,
		Current:     toRecords(wire.Current, false),
		Predictions: toRecords(wire.Predictions, true),
	}, nil
}

func toRecords(in []wireRecord, predictedDefault bool) []WeatherRecord {
	if in == nil {
		return nil
	}
	out := make([]WeatherRecord, 0, len(in))
	for _, r := range in {
		predicted := predictedDefault
		if r.Predicted != nil {
			predicted = *r.Predicted
		}
		out = append(out, WeatherRecord{
			City:        r.City,
			Coordinates: r.Coordinates,
			Timestamp:   r.Timestamp,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			WindSpeed:   r.WindSpeed,
			Pressure:    r.Pressure,
			Condition:   r.Condition,
			Predicted:   predicted,
		})
	}
	return out
}
