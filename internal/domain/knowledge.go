package domain

// KnowledgeChunk is a query-time projection from the external vector
// knowledge store. Similarity is computed per query and never persisted.
type KnowledgeChunk struct {
	ID         string  `json:"id"`
	SourceText string  `json:"source_text"`
	Similarity float64 `json:"similarity"`

	Make           string `json:"make,omitempty"`
	Model          string `json:"model,omitempty"`
	DiagnosticCode string `json:"diagnostic_code,omitempty"`
}

// VehicleContext optionally scopes retrieval to a vehicle.
type VehicleContext struct {
	Make            string   `json:"make,omitempty"`
	Model           string   `json:"model,omitempty"`
	Year            int      `json:"year,omitempty"`
	VIN             string   `json:"vin,omitempty"`
	DiagnosticCodes []string `json:"diagnostic_codes,omitempty"`
}

func (v VehicleContext) Empty() bool {
	return v.Make == "" && v.Model == "" && v.Year == 0 && v.VIN == "" && len(v.DiagnosticCodes) == 0
}
