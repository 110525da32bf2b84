package coap

import (
	"github.com/astaxie/beego/logs"
)

var debugEnable bool

// Log is the package-wide logger, matching the teacher's pattern of a
// single mutable BeeLogger swapped out by SetLogger rather than a
// logger threaded through every call. TraceInfo/TraceError are kept
// as thin wrappers so call sites read the same way they did before
// this package grew a request/response/OSCORE layer around them.
var Log *logs.BeeLogger

func init() {
	debugEnable = false
	Log = logs.NewLogger(10000)
	Log.SetLogger("console", `{"level":7}`)
	Log.EnableFuncCallDepth(true)
	Log.SetLogFuncCallDepth(3)
}

// Debug toggles verbose per-message tracing.
func Debug(enable bool) {
	debugEnable = enable
}

// SetLogger replaces the package logger, e.g. to route output through
// an application's own BeeLogger instance.
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		Log = l
	}
}

// TraceInfo logs at Info level when Debug(true) is in effect.
func TraceInfo(format string, args ...interface{}) {
	if debugEnable {
		Log.Info(format, args...)
	}
}

// TraceError always logs at Error level regardless of Debug.
func TraceError(format string, args ...interface{}) {
	Log.Error(format, args...)
}
