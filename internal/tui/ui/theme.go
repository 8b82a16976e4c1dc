package ui

import "github.com/gdamore/tcell/v2"

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor          tcell.Color
	FgColor          tcell.Color
	MutedColor       tcell.Color
	BorderColor      tcell.Color
	BorderFocusColor tcell.Color
	TableHeaderFg    tcell.Color
	TableCursorFg    tcell.Color
	TableCursorBg    tcell.Color
	TitleColor       tcell.Color
	UnreadColor      tcell.Color
	PendingColor     tcell.Color
	SelfColor        tcell.Color
	LabelColor       tcell.Color
	FlashInfoColor   tcell.Color
	FlashOKColor     tcell.Color
	FlashErrColor    tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:          tcell.ColorBlack,
		FgColor:          tcell.ColorCadetBlue,
		MutedColor:       tcell.ColorGray,
		BorderColor:      tcell.ColorDodgerBlue,
		BorderFocusColor: tcell.ColorLightSkyBlue,
		TableHeaderFg:    tcell.ColorWhite,
		TableCursorFg:    tcell.ColorBlack,
		TableCursorBg:    tcell.ColorAqua,
		TitleColor:       tcell.ColorFuchsia,
		UnreadColor:      tcell.ColorPapayaWhip,
		PendingColor:     tcell.ColorOrange,
		SelfColor:        tcell.ColorLightGreen,
		LabelColor:       tcell.ColorDodgerBlue,
		FlashInfoColor:   tcell.ColorNavajoWhite,
		FlashOKColor:     tcell.ColorLightGreen,
		FlashErrColor:    tcell.ColorOrangeRed,
	}
}

// Tag returns c as a tview color tag, e.g. "[#ff4500]".
func Tag(c tcell.Color) string {
	return "[" + c.CSS() + "]"
}
