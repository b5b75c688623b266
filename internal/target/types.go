package target

// Config represents the target server configuration
type Config struct {
	Port    int     `json:"port" yaml:"port"`       // Server port (default: 8080)
	Host    string  `json:"host" yaml:"host"`       // Server host (default: localhost)
	Routes  []Route `json:"routes" yaml:"routes"`   // Route definitions
	Logging bool    `json:"logging" yaml:"logging"` // Log every request at debug level
}

// Route represents a target route configuration
type Route struct {
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`               // Route description
	Method      string            `json:"method" yaml:"method"`                               // HTTP method, or * for any
	Path        string            `json:"path" yaml:"path"`                                   // URL path pattern
	PathType    string            `json:"pathType,omitempty" yaml:"pathType,omitempty"`       // exact, prefix, regex (default: exact)
	Status      int               `json:"status" yaml:"status"`                               // HTTP status code
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`         // Response headers
	Body        string            `json:"body,omitempty" yaml:"body,omitempty"`               // Response body
	BodyFile    string            `json:"bodyFile,omitempty" yaml:"bodyFile,omitempty"`       // Path to response body file
	Delay       int               `json:"delay,omitempty" yaml:"delay,omitempty"`             // Response delay in milliseconds
	Jitter      int               `json:"jitter,omitempty" yaml:"jitter,omitempty"`           // Extra random delay, 0..jitter milliseconds
	ErrorRate   float64           `json:"errorRate,omitempty" yaml:"errorRate,omitempty"`     // Share of requests answered with ErrorStatus, 0..1
	ErrorStatus int               `json:"errorStatus,omitempty" yaml:"errorStatus,omitempty"` // Status for injected errors (default: 503)
}

// Stats counts the requests a server has answered
type Stats struct {
	Requests  int64            `json:"requests" yaml:"requests"`
	Injected  int64            `json:"injected" yaml:"injected"`
	Unmatched int64            `json:"unmatched" yaml:"unmatched"`
	ByRoute   map[string]int64 `json:"byRoute" yaml:"byRoute"`
}
