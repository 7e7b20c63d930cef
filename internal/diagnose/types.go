package diagnose

import "encoding/json"

type Request struct {
	Notes string `json:"notes"`
}

// Response mirrors the diagnose API. The personal health information and the
// detected symptoms are passed through untouched.
type Response struct {
	PHI       json.RawMessage   `json:"phi,omitempty"`
	Symptoms  []json.RawMessage `json:"symptoms"`
	Diagnoses []Diagnosis       `json:"diagnoses"`
}

type Diagnosis struct {
	Count     int     `json:"count"`
	Name      string  `json:"name"`
	Frequency float64 `json:"frequency"`
	// Symptoms maps ICD-10-CM codes to their descriptions.
	Symptoms map[string]string `json:"symptoms"`
}
