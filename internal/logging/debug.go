package logging

import "os"

// Diagnostic switches. Only their presence matters; they add log output on
// failure paths and never change behavior.
const (
	EnvDebugAttach  = "TPOOL_DEBUG_ATTACH"
	EnvDebugDecode  = "TPOOL_DEBUG_DECODE"
	EnvDebugPublish = "TPOOL_DEBUG_PUBLISH"
)

func DebugAttach() bool  { return present(EnvDebugAttach) }
func DebugDecode() bool  { return present(EnvDebugDecode) }
func DebugPublish() bool { return present(EnvDebugPublish) }

func present(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}
