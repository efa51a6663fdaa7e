// Package color provides the terminal colour theme of the scalestack CLI.
//
// Colours are lipgloss adaptive colours, so they follow the light or dark
// background of the terminal. Rendering degrades to plain text when the
// output is not a terminal or NO_COLOR is set.
//
// Colors are organized into semantic categories:
//   - Success: Positive states (running, healthy)
//   - Warning: Transitional states (starting, stopping)
//   - Error: Failure states (failed, unhealthy)
//   - Muted: De-emphasized text (stopped, unknown)
//
// # Usage Example
//
//	fmt.Println(color.State("Running"))
//	fmt.Println(color.ErrorStyle.Render("✗ Service failed"))
package color
