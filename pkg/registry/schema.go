package registry

// SectionCount is the fixed number of sections every application carries.
const SectionCount = 10

// SectionCatalog describes the fixed topic sections of a filing.
type SectionCatalog struct {
	Version     string              `json:"version"`
	LastUpdated string              `json:"lastUpdated"`
	Sections    []SectionDefinition `json:"sections"`
}

// SectionDefinition is one topic. Schema is an optional JSON schema whose
// violations are reported on the section as informational hints.
type SectionDefinition struct {
	Number      int                    `json:"number"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}
