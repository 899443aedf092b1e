// Package logx is a thin structured-logging facade over zerolog.
//
// A zero Logger is a safe no-op. Loggers created from a Service follow its
// runtime reconfiguration (level, console/file sinks) without being rebuilt.
package logx
