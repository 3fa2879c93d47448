package sensor

import (
	"fmt"

	"github.com/afroash/dht"
)

// DHTSensor defines the interface for reading from a DHT sensor
type DHTSensor interface {
	// Read returns temperature (°C) and relative humidity (%)
	Read() (temperature float64, humidity float64, err error)

	// Close releases GPIO resources
	Close() error
}

// DHT11Reader implements DHTSensor for a DHT11 wired to the controller host
type DHT11Reader struct {
	pin        int
	maxRetries int
	sensor     *dht.Sensor
}

// NewDHT11Reader opens a DHT11 on the given GPIO pin
func NewDHT11Reader(pin int) (*DHT11Reader, error) {
	s, err := dht.NewDHT11(pin)
	if err != nil {
		return nil, fmt.Errorf("open dht11 on pin %d: %w", pin, err)
	}
	return &DHT11Reader{
		pin:        pin,
		maxRetries: 3,
		sensor:     s,
	}, nil
}

// Read performs a reading with retries and rejects implausible values
func (d *DHT11Reader) Read() (float64, float64, error) {
	reading, err := d.sensor.ReadRetry(d.maxRetries)
	if err != nil {
		return 0, 0, fmt.Errorf("dht11 on pin %d failed after %d retries: %w", d.pin, d.maxRetries, err)
	}
	if err := validateReading(reading.Temperature, reading.Humidity); err != nil {
		return 0, 0, fmt.Errorf("invalid reading: %w", err)
	}
	return reading.Temperature, reading.Humidity, nil
}

// Close cleans up GPIO resources
func (d *DHT11Reader) Close() error {
	return d.sensor.Close()
}

// validateReading applies relaxed sanity bounds for a grow room
func validateReading(temp, humidity float64) error {
	const (
		minTemp     = -20.0
		maxTemp     = 60.0
		minHumidity = 0.0
		maxHumidity = 100.0
	)
	if temp < minTemp || temp > maxTemp {
		return fmt.Errorf("temperature %.1f°C outside [%.0f, %.0f]", temp, minTemp, maxTemp)
	}
	if humidity < minHumidity || humidity > maxHumidity {
		return fmt.Errorf("humidity %.1f%% outside [%.0f, %.0f]", humidity, minHumidity, maxHumidity)
	}
	return nil
}
