// Package log provides structured logging for syncd components.
//
// Loggers are constructed explicitly and passed via dependency injection;
// there is no global logger. Components tag their output with a component
// field and attach structured fields with the Field API.
package log
