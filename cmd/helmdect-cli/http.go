package main

import (
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"helmdect/internal/detection"
)

func newClient(url string, timeout int, debug bool) *detection.Client {
	var (
		doer goahttp.Doer
	)
	{
		doer = &http.Client{Timeout: time.Duration(timeout) * time.Second}
		if debug {
			doer = goahttp.NewDebugDoer(doer)
		}
	}

	return detection.NewClientWithDoer(url, doer)
}

// printDebug dumps the request and response bodies captured by the debug doer
func printDebug(client *detection.Client) {
	if d, ok := client.Doer().(goahttp.DebugDoer); ok {
		d.Fprint(stderr)
	}
}
