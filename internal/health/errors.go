package health

import "fmt"

// ProbeError 描述一次失败的探测
type ProbeError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *ProbeError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %d", e.Reason, e.StatusCode)
	default:
		return e.Reason
	}
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}
