// Package color provides terminal styling for kernelbridge output.
//
// Colors are adaptive: each semantic color has a light and a dark variant and
// lipgloss picks one based on the terminal background, or on the mode passed
// to Initialize. Output degrades to plain text when the terminal has no color
// support or NO_COLOR is set.
//
// Connection states map onto semantic colors:
//   - Connected: Success
//   - Binding: Info
//   - Unresponsive: Warning
//   - Closed and Unbound: Muted
//
// Column helpers measure text in terminal cells, so tables stay aligned when
// kernel display names contain wide characters.
package color
