// Package natsch carries channels over NATS.
//
// Subjects live under a prefix (default "ioc"):
//
//	<prefix>.search.<record>.<FIELD>  request/reply, answered with the current sample
//	<prefix>.value.<record>.<FIELD>   monitor updates
//	<prefix>.put.<record>.<FIELD>     puts
//
// Payloads are msgpack. A search for a name nobody serves goes unanswered,
// so several servers can share one prefix.
package natsch

import (
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/link"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "ioc"

const (
	kindSearch = "search"
	kindValue  = "value"
	kindPut    = "put"
)

func subject(prefix, kind, name string) string {
	return prefix + "." + kind + "." + name
}

// channelName recovers "record.FIELD" from a full subject.
func channelName(prefix, kind, subj string) (string, bool) {
	return strings.CutPrefix(subj, prefix+"."+kind+".")
}

type wireSample struct {
	Value    float64 `msgpack:"v"`
	Severity int     `msgpack:"sev"`
	Status   int     `msgpack:"stat"`
	Time     int64   `msgpack:"t"`
}

type wirePut struct {
	Value float64 `msgpack:"v"`
}

func encodeSample(s link.Sample) ([]byte, error) {
	w := wireSample{Value: s.Value, Severity: int(s.Severity), Status: int(s.Status)}
	if !s.Time.IsZero() {
		w.Time = s.Time.UnixNano()
	}
	return msgpack.Marshal(&w)
}

func decodeSample(data []byte) (link.Sample, error) {
	var w wireSample
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return link.Sample{}, err
	}
	s := link.Sample{Value: w.Value, Severity: alarm.Severity(w.Severity), Status: alarm.Status(w.Status)}
	if w.Time != 0 {
		s.Time = time.Unix(0, w.Time).UTC()
	}
	return s, nil
}

func encodePut(v float64) ([]byte, error) {
	return msgpack.Marshal(&wirePut{Value: v})
}

func decodePut(data []byte) (float64, error) {
	var w wirePut
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return 0, err
	}
	return w.Value, nil
}
