// Package console renders the chat to a terminal as plain scrolling
// lines.
package console

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/pterm/pterm"

	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/mesh"
)

type styles struct {
	timestamp lipgloss.Style
	own       lipgloss.Style
	peer      lipgloss.Style
	private   lipgloss.Style
	system    lipgloss.Style
	joined    lipgloss.Style
	left      lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	var (
		primary = lipgloss.Color("#7C3AED")
		accent  = lipgloss.Color("#10B981")
		danger  = lipgloss.Color("#EF4444")
		muted   = lipgloss.Color("#6B7280")
		blue    = lipgloss.Color("#3B82F6")
		pink    = lipgloss.Color("#EC4899")
	)

	return styles{
		timestamp: r.NewStyle().Foreground(muted).Faint(true),
		own:       r.NewStyle().Foreground(primary).Bold(true),
		peer:      r.NewStyle().Foreground(blue),
		private:   r.NewStyle().Foreground(pink).Bold(true),
		system:    r.NewStyle().Foreground(accent).Italic(true),
		joined:    r.NewStyle().Foreground(accent),
		left:      r.NewStyle().Foreground(danger),
	}
}

// Renderer writes chat events to out. It implements mesh.Renderer and is
// safe for concurrent use.
type Renderer struct {
	mu     sync.Mutex
	out    io.Writer
	styles styles

	self      identity.Identity
	peers     map[string]mesh.PeerInfo
	canReply  bool
	alertLine *pterm.PrefixPrinter
	infoLine  *pterm.PrefixPrinter
}

// New creates a Renderer for the local user.
func New(out io.Writer, self identity.Identity) *Renderer {
	return &Renderer{
		out:       out,
		styles:    newStyles(lipgloss.NewRenderer(out)),
		self:      self,
		peers:     make(map[string]mesh.PeerInfo),
		alertLine: pterm.Warning.WithWriter(out),
		infoLine:  pterm.Info.WithWriter(out),
	}
}

func (r *Renderer) Render(conv mesh.Conversation, msg mesh.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stamp := r.styles.timestamp.Render("[" + msg.Time + "]")
	if msg.System {
		r.println(stamp + " " + r.styles.system.Render(msg.Text))
		return
	}

	sender := r.styles.peer.Render(msg.Sender)
	if msg.Own {
		sender = r.styles.own.Render(msg.Sender)
	}
	if conv == mesh.Private {
		sender = r.styles.private.Render("(private)") + " " + sender
	}
	r.println(fmt.Sprintf("%s %s: %s", stamp, sender, msg.Text))
}

func (r *Renderer) PeerListed(p mesh.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.peers[p.UserID]
	r.peers[p.UserID] = p
	if known {
		r.println(r.styles.joined.Render(fmt.Sprintf("● %s is now known as %s", p.UserID, p.Username)))
		return
	}
	r.println(r.styles.joined.Render(fmt.Sprintf("● %s (%s) is online via %s", displayName(p), p.UserID, p.Source)))
}

func (r *Renderer) PeerRetracted(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[userID]
	if !ok {
		p = mesh.PeerInfo{UserID: userID}
	}
	delete(r.peers, userID)
	r.println(r.styles.left.Render(fmt.Sprintf("○ %s (%s) went offline", displayName(p), userID)))
}

func (r *Renderer) Alert(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alertLine.Println(text)
}

func (r *Renderer) PrivateReplyEnabled() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.canReply {
		return
	}
	r.canReply = true
	r.infoLine.Println("reply privately with /private <message>")
}

func (r *Renderer) IdentityChanged(id identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = id
	r.infoLine.Println(fmt.Sprintf("you are now %s (%s)", id.Username, id.UserID))
}

// Self returns the identity last reported to the renderer.
func (r *Renderer) Self() identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// Peers returns the listed peers ordered by user id.
func (r *Renderer) Peers() []mesh.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]mesh.PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b mesh.PeerInfo) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// PrintPeers writes a table of connection records and listed peers.
func (r *Renderer) PrintPeers(records []mesh.PeerStatus, listed []mesh.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(records) == 0 && len(listed) == 0 {
		r.infoLine.Println("no peers yet, waiting for announcements")
		return
	}

	data := pterm.TableData{{"User ID", "Name", "Status", "Source"}}
	seen := make(map[string]bool)
	for _, rec := range records {
		seen[rec.UserID] = true
		name := rec.Username
		if p, ok := r.peers[rec.UserID]; ok && name == "" {
			name = p.Username
		}
		data = append(data, []string{rec.UserID, name, fmt.Sprintf("%s (%s)", rec.State, rec.Direction), ""})
	}
	for _, p := range listed {
		if seen[p.UserID] {
			continue
		}
		data = append(data, []string{p.UserID, p.Username, "listed", p.Source.String()})
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(r.out).Render(); err != nil {
		fmt.Fprintln(r.out, err)
	}
}

func (r *Renderer) println(line string) {
	fmt.Fprintln(r.out, line)
}

func displayName(p mesh.PeerInfo) string {
	if p.Username == "" {
		return "unknown"
	}
	return p.Username
}
