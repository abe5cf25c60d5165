// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace defines the Chrome tracing format in which runs
// record the batches they dispatch. Traces can be visualized using
// Chrome's built-in tool (chrome://tracing).
package trace

import (
	"encoding/json"
	"io"
)

// T is a trace: a sequence of events.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// ThreadName returns a metadata event that names thread tid of
// process pid.
func ThreadName(pid, tid int, name string) Event {
	return Event{
		Pid:  pid,
		Tid:  tid,
		Ph:   "M",
		Name: "thread_name",
		Args: map[string]interface{}{"name": name},
	}
}

// Encode writes t to w in JSON.
func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

// Decode reads t in JSON from r.
func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}
