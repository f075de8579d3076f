package models

// Dependency defines a "runs after" edge: Downstream runs only once Upstream completed.
type Dependency struct {
	Upstream   string `json:"upstream"`
	Downstream string `json:"downstream"`
}
