package httpx

import "net/http"

// StatusWriter records the status code and body size a handler produced so
// outer layers can act on the outcome after the fact.
type StatusWriter struct {
	http.ResponseWriter
	Status int
	Bytes  int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusWriter) Write(p []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.Bytes += n
	return n, err
}

// Success reports whether the recorded status is 2xx. A zero status means
// the handler never wrote, which net/http turns into 200.
func (w *StatusWriter) Success() bool {
	return w.Status == 0 || (w.Status >= 200 && w.Status < 300)
}
