// Package audio plays spoken answers. A Player owns one Sink and runs a
// single playback session at a time, either from a fully buffered blob or
// from segments appended while they are still being downloaded. OtoSink
// drives the system audio device through oto/v3.
package audio
