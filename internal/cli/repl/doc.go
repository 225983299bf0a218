// Package repl runs the interactive offstore shell.
//
// Lines are split into arguments and handed to an Exec function, so
// the shell knows nothing about the commands it runs. A line ending in
// "?" lists the commands that start with the text before it.
package repl
