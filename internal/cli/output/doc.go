// Package output renders command results for the offstore CLI.
//
// Every command builds a value (usually a slice of row structs or a
// Table) and hands it to the Formatter picked by --output. Table
// output is for people; json and yaml are stable for scripts.
package output
