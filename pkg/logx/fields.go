package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type fieldKind uint8

const (
	kindSkip fieldKind = iota
	kindStr
	kindInt
	kindUint
	kindBool
	kindDur
	kindTime
	kindAny
	kindErr
)

// Field is one key/value attached to a log line. Build it with the helpers
// below; the zero Field writes nothing.
type Field struct {
	key  string
	kind fieldKind
	s    string
	i    int64
	u    uint64
	t    time.Time
	v    any
}

func String(k, v string) Field { return Field{key: k, kind: kindStr, s: v} }

func Int(k string, v int) Field     { return Field{key: k, kind: kindInt, i: int64(v)} }
func Int64(k string, v int64) Field { return Field{key: k, kind: kindInt, i: v} }

func Uint64(k string, v uint64) Field { return Field{key: k, kind: kindUint, u: v} }

func Bool(k string, v bool) Field {
	f := Field{key: k, kind: kindBool}
	if v {
		f.i = 1
	}
	return f
}

func Duration(k string, v time.Duration) Field { return Field{key: k, kind: kindDur, i: int64(v)} }

func Time(k string, v time.Time) Field { return Field{key: k, kind: kindTime, t: v} }

func Any(k string, v any) Field { return Field{key: k, kind: kindAny, v: v} }

// Err attaches err under the error key. A nil err is dropped.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{kind: kindErr, v: err}
}

// Stack attaches a goroutine dump; blank input is dropped.
func Stack(stack string) Field {
	if strings.TrimSpace(stack) == "" {
		return Field{}
	}
	return String("stack", stack)
}

func (f Field) apply(e *zerolog.Event) {
	switch f.kind {
	case kindStr:
		e.Str(f.key, f.s)
	case kindInt:
		e.Int64(f.key, f.i)
	case kindUint:
		e.Uint64(f.key, f.u)
	case kindBool:
		e.Bool(f.key, f.i != 0)
	case kindDur:
		e.Dur(f.key, time.Duration(f.i))
	case kindTime:
		e.Time(f.key, f.t)
	case kindAny:
		e.Interface(f.key, f.v)
	case kindErr:
		e.Err(f.v.(error))
	}
}
