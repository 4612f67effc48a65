// Package config loads record databases and runtime settings.
//
// A record database is a directory of CUE files declaring records under
// the top-level "record" struct:
//
//	record: ramp: {
//		type: "calcout"
//		scan: "1 second"
//		fields: {CALC: "A + 1", INPA: "ramp"}
//	}
//
// The files are unified with an embedded schema before each record is
// compiled into a record.Def. Errors keep their CUE source position.
//
// Runtime settings come from IOC_* environment variables, optionally
// preloaded from a .env file.
package config
