package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChuLiYu/cardfarm/internal/farming"
	"github.com/ChuLiYu/cardfarm/pkg/types"
	"github.com/charmbracelet/lipgloss"
)

// levelWidth 等級欄位寬度（"WARNING"）
const levelWidth = 7

// console 把進度事件輸出成單行文字
// 色彩只在 out 是終端機時才會出現，管線與檔案得到純文字
type console struct {
	out    io.Writer
	levels map[types.Level]lipgloss.Style
	muted  lipgloss.Style
	ok     lipgloss.Style
}

func newConsole(out io.Writer) *console {
	r := lipgloss.NewRenderer(out)
	return &console{
		out: out,
		levels: map[types.Level]lipgloss.Style{
			types.LevelInfo:    r.NewStyle().Foreground(lipgloss.Color("42")),
			types.LevelWarning: r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
			types.LevelError:   r.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		},
		muted: r.NewStyle().Foreground(lipgloss.Color("245")),
		ok:    r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (c *console) print(ev farming.Event) {
	fmt.Fprintln(c.out, c.format(ev))
}

// format renders ev as
//
//	LEVEL   [display] info | status | error (remaining left)
func (c *console) format(ev farming.Event) string {
	var b strings.Builder

	level := ev.Level
	if level == "" {
		level = types.LevelInfo
	}
	name := strings.ToUpper(string(level))
	b.WriteString(c.levels[level].Render(name))
	if pad := levelWidth - len(name); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}

	if ev.Display != "" {
		fmt.Fprintf(&b, " [%s]", ev.Display)
	}
	if ev.Info != "" {
		b.WriteString(" " + ev.Info)
	}
	if ev.Status != "" {
		b.WriteString(" | " + ev.Status)
	}
	if ev.Error != "" {
		b.WriteString(" | " + c.levels[types.LevelError].Render(ev.Error))
	}
	if ev.Remaining > 0 {
		b.WriteString(" " + c.muted.Render(fmt.Sprintf("(%s left)", ev.Remaining.Round(time.Second))))
	}
	return b.String()
}
