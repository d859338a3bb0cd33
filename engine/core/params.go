package core

// Params is the open key/value object a client attaches to a submission.
// It is stored verbatim and never interpreted by the router.
type Params map[string]any

// Result is the open key/value object an endpoint reports for a finished or
// progressing execution.
type Result map[string]any

func (p Params) AsMap() map[string]any {
	return map[string]any(p)
}

func (r Result) AsMap() map[string]any {
	return map[string]any(r)
}

// Clone returns a deep copy; nil stays nil.
func (p Params) Clone() (Params, error) {
	if p == nil {
		return nil, nil
	}
	return DeepCopy(p)
}

// Clone returns a deep copy; nil stays nil.
func (r Result) Clone() (Result, error) {
	if r == nil {
		return nil, nil
	}
	return DeepCopy(r)
}
