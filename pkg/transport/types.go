package transport

// Rendition describes one requested output artifact within a processing
// batch. All fields are caller-supplied except correlation entries the
// client injects into UserData copies before submission.
type Rendition struct {
	// Name is the output artifact name, e.g. "thumbnail.png".
	Name string `json:"name,omitempty"`

	// Fmt is the target format, e.g. "png" or "jpeg".
	Fmt string `json:"fmt,omitempty"`

	// Target is the destination URL the service uploads the artifact to.
	Target string `json:"target,omitempty"`

	// Transform parameters.
	Width   int `json:"width,omitempty"`
	Height  int `json:"height,omitempty"`
	Quality int `json:"quality,omitempty"`

	// UserData is echoed back verbatim on journal events for this rendition.
	UserData map[string]any `json:"userData,omitempty"`
}

// Clone returns a copy of the rendition with its own UserData map, so the
// caller's original object is never mutated by correlation stamping.
func (r Rendition) Clone() Rendition {
	clone := r
	if r.UserData != nil {
		clone.UserData = make(map[string]any, len(r.UserData)+2)
		for k, v := range r.UserData {
			clone.UserData[k] = v
		}
	}
	return clone
}

// ProcessRequest is the body of a POST /process call.
type ProcessRequest struct {
	Source     any            `json:"source"`
	Renditions []Rendition    `json:"renditions"`
	UserData   map[string]any `json:"userData,omitempty"`
}

// Clone returns a copy of the request with its own rendition slice and
// userData map. Retries marshal from the clone, so in-place mutations by
// the caller between attempts are never observed.
func (p ProcessRequest) Clone() ProcessRequest {
	clone := p
	clone.Renditions = make([]Rendition, len(p.Renditions))
	for i, r := range p.Renditions {
		clone.Renditions[i] = r.Clone()
	}
	if p.UserData != nil {
		clone.UserData = make(map[string]any, len(p.UserData))
		for k, v := range p.UserData {
			clone.UserData[k] = v
		}
	}
	return clone
}

// RegisterResponse is the body of a successful POST /register call.
type RegisterResponse struct {
	// Journal is the opaque subscription handle for the event stream.
	Journal string `json:"journal"`

	RequestID string `json:"requestId"`
}

// ProcessResponse is the body of a successful POST /process call.
type ProcessResponse struct {
	RequestID string `json:"requestId"`
}

// UnregisterResponse is the body of a successful POST /unregister call.
type UnregisterResponse struct {
	RequestID string `json:"requestId"`
}
