package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"sync/atomic"
)

// Echo upstream for manual testing. /ok and /fail return fixed statuses so
// the skip_successful / skip_failed refund paths can be exercised by hand;
// /flaky alternates between the two.
func main() {
	var addr string
	var name string
	flag.StringVar(&addr, "addr", ":9001", "listen address")
	flag.StringVar(&name, "name", "upstream", "service name")
	flag.Parse()

	echo := func(w http.ResponseWriter, r *http.Request, status int) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service": name,
			"status":  status,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": r.Header,
		})
	}

	var flips atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		echo(w, r, http.StatusOK)
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		echo(w, r, http.StatusInternalServerError)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if flips.Add(1)%2 == 1 {
			echo(w, r, http.StatusOK)
			return
		}
		echo(w, r, http.StatusInternalServerError)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		echo(w, r, http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	_ = srv.ListenAndServe()
}
