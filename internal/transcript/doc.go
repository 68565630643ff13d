// Package transcript turns the heterogeneous webhook payloads sent by voice
// providers into a single canonical text transcript.
//
// Providers disagree on where the transcript lives: some send a flat string on
// the call object, some a pre-rendered variant that includes tool calls, and
// some only a list of utterance segments whose speaker and text fields go by
// several names. [Extract] hides that variance behind one pure function so the
// webhook ingestor only has to ask "is there a transcript, and what is it".
package transcript
