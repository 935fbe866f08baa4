package main

import "github.com/charmbracelet/lipgloss"

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

func renderOK(s string) string     { return okStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderDim(s string) string    { return dimStyle.Render(s) }
func renderHeader(s string) string { return headerStyle.Render(s) }
