// Package weather defines the weather feed message shapes and decodes inbound batches.
package weather

// SchemaVersion is stamped on every record published to the backbone.
const SchemaVersion = "1.0"

// Coordinates locates the observing station.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Temperature carries one reading in both scales as sent by the feed.
type Temperature struct {
	Celsius    float64 `json:"celsius"`
	Fahrenheit float64 `json:"fahrenheit"`
}

// WindSpeed carries one reading in both units as sent by the feed.
type WindSpeed struct {
	KPH float64 `json:"kph"`
	MPH float64 `json:"mph"`
}

// WeatherRecord is one observation or prediction for a city.
// It is both the decoded inbound record and the value published to the backbone.
type WeatherRecord struct {
	City        string      `json:"city"`
	Coordinates Coordinates `json:"coordinates"`
	Timestamp   string      `json:"timestamp"`
	Temperature Temperature `json:"temperature"`
	Humidity    float64     `json:"humidity"`
	WindSpeed   WindSpeed   `json:"wind_speed"`
	Pressure    int         `json:"pressure"`
	Condition   string      `json:"condition"`
	Predicted   bool        `json:"predicted"`
}

// Batch is one inbound feed message.
type Batch struct {
	Timestamp   string          `json:"timestamp"`
	GeneratedBy string          `json:"generated_by"`
	Current     []WeatherRecord `json:"current_weather"`
	Predictions []WeatherRecord `json:"predictions"`
}

// Metadata is published once per batch on the metadata topic.
type Metadata struct {
	Timestamp   string `json:"timestamp"`
	GeneratedBy string `json:"generated_by"`
}
