// Package logx is the logging layer shared by every tasksched component.
//
// Loggers are values over zerolog. A Service owns the outputs (a readable
// console and an append-only JSON file) and can swap level and outputs while
// loggers it handed out stay valid, which is how config reloads reach them.
package logx
