/*
Rewind-demo steps a small deterministic game through the rollback engine
and draws it in the terminal.

Usage:

	rewind-demo [config.yml]

Modes (the "mode" key in the config):

	pair      two sessions in one process over an in-memory network;
	          WASD moves the left player, arrow keys the right one
	p2p       one session over UDP; "bind", "peer" and "handle" pick
	          the endpoints
	synctest  no network; every frame is re-simulated to prove the
	          game deterministic

Press q or Escape to quit.
*/
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/undolag/rewind"
	"github.com/undolag/rewind/internal/demo"
	"github.com/undolag/rewind/replay"
	"github.com/undolag/rewind/transport"
)

type config struct {
	Mode           string `yaml:"mode"`
	Bind           string `yaml:"bind"`
	Peer           string `yaml:"peer"`
	Handle         int    `yaml:"handle"`
	Players        int    `yaml:"players"`
	FPS            int    `yaml:"fps"`
	FrameDelay     int    `yaml:"frame_delay"`
	DesyncInterval int    `yaml:"desync_interval"`
	Replay         string `yaml:"replay"`
	Log            string `yaml:"log"`
}

func defaultConfig() config {
	return config{
		Mode:       "pair",
		Bind:       ":7000",
		Peer:       "127.0.0.1:7001",
		Players:    2,
		FPS:        60,
		FrameDelay: 2,
		Log:        "rewind-demo.log",
	}
}

func loadConfig() (config, error) {
	cfg := defaultConfig()
	if len(os.Args) < 2 {
		return cfg, nil
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// instance is one session plus the game it drives.
type instance struct {
	sess    *rewind.P2PSession[demo.Input, demo.State, string]
	game    demo.State
	local   rewind.PlayerHandle
	pending demo.Input
	rec     *replay.Recorder[demo.Input]
	status  string
}

func (inst *instance) tick() {
	inst.sess.PollRemoteClients()

	if inst.sess.Running() {
		if err := inst.sess.AddLocalInput(inst.local, inst.pending); err != nil {
			logrus.WithError(err).Debug("input dropped")
		}
	}
	inst.pending = demo.Input{}

	inst.process(inst.sess.AdvanceFrame())

	for _, ev := range inst.sess.DrainEvents() {
		switch e := ev.(type) {
		case rewind.Synchronizing:
			inst.status = fmt.Sprintf("syncing peer %d (%d/%d)", e.Player, e.Count, e.Total)
		case rewind.Synchronized:
			inst.status = fmt.Sprintf("peer %d synchronized", e.Player)
		case rewind.NetworkInterrupted:
			inst.status = fmt.Sprintf("peer %d interrupted", e.Player)
		case rewind.NetworkResumed:
			inst.status = fmt.Sprintf("peer %d resumed", e.Player)
		case rewind.Disconnected:
			inst.status = fmt.Sprintf("peer %d disconnected", e.Player)
		case rewind.DesyncDetected:
			inst.status = fmt.Sprintf("DESYNC at frame %d", e.Frame)
		case rewind.WaitRecommendation:
			inst.status = fmt.Sprintf("ahead, skipping %d frames", e.SkipFrames)
		}
	}
}

func (inst *instance) process(requests []rewind.Request[demo.Input, demo.State]) {
	for _, req := range requests {
		switch r := req.(type) {
		case rewind.SaveRequest[demo.Input, demo.State]:
			r.Cell.State = inst.game.Clone()
			r.Cell.Checksum = inst.game.Checksum()
			if inst.rec != nil {
				inst.rec.RecordChecksum(r.Frame, r.Cell.Checksum)
			}
		case rewind.LoadRequest[demo.Input, demo.State]:
			inst.game = r.Cell.State.Clone()
		case rewind.AdvanceRequest[demo.Input, demo.State]:
			frame := rewind.Frame(inst.game.Tick)
			inst.game.Advance(r.Inputs)
			if inst.rec != nil {
				inst.rec.RecordFrame(frame, r.Inputs)
			}
		}
	}
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// The screen owns the terminal; logs go to a file.
	if f, err := os.OpenFile(cfg.Log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
		logrus.SetOutput(f)
		defer f.Close()
	}

	var instances []*instance
	switch cfg.Mode {
	case "pair":
		instances, err = buildPair(cfg)
	case "p2p":
		instances, err = buildP2P(cfg)
	case "synctest":
		err = runSynctest(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := runUI(cfg, instances); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildPair(cfg config) ([]*instance, error) {
	pipeNet := rewind.NewPipeNetwork[string]()
	addrs := [2]string{"left", "right"}

	var instances []*instance
	for i := 0; i < 2; i++ {
		b := rewind.NewSessionBuilder[demo.Input, demo.State, string]().
			WithSocket(pipeNet.Endpoint(addrs[i])).
			WithFPS(cfg.FPS).
			WithFrameDelay(cfg.FrameDelay).
			WithDesyncDetection(cfg.DesyncInterval).
			AddLocalPlayer(rewind.PlayerHandle(i)).
			AddRemotePlayer(rewind.PlayerHandle(1-i), addrs[1-i])
		sess, err := b.StartP2P()
		if err != nil {
			return nil, err
		}
		instances = append(instances, &instance{
			sess:  sess,
			game:  demo.NewState(2),
			local: rewind.PlayerHandle(i),
		})
	}
	return instances, nil
}

func buildP2P(cfg config) ([]*instance, error) {
	sock, err := transport.ListenUDP(cfg.Bind)
	if err != nil {
		return nil, err
	}

	b := rewind.NewSessionBuilder[demo.Input, demo.State, string]().
		WithSocket(sock).
		WithFPS(cfg.FPS).
		WithFrameDelay(cfg.FrameDelay).
		WithDesyncDetection(cfg.DesyncInterval).
		AddLocalPlayer(rewind.PlayerHandle(cfg.Handle)).
		AddRemotePlayer(rewind.PlayerHandle(1-cfg.Handle), cfg.Peer)
	sess, err := b.StartP2P()
	if err != nil {
		return nil, err
	}

	inst := &instance{
		sess:  sess,
		game:  demo.NewState(2),
		local: rewind.PlayerHandle(cfg.Handle),
	}
	if cfg.Replay != "" {
		rec, err := replay.Create[demo.Input](cfg.Replay, time.Now().Format(time.RFC3339), 2)
		if err != nil {
			return nil, err
		}
		inst.rec = rec
	}
	return []*instance{inst}, nil
}

// runSynctest drives the determinism checker headless for a few seconds
// of simulated play.
func runSynctest(cfg config) error {
	b := rewind.NewSessionBuilder[demo.Input, demo.State, string]().
		WithFrameDelay(cfg.FrameDelay).
		AddLocalPlayer(0).
		AddLocalPlayer(1)
	sess, err := b.StartSynctest(4)
	if err != nil {
		return err
	}

	game := demo.NewState(2)
	buttons := [...]uint8{demo.BtnRight, demo.BtnDown, demo.BtnLeft, demo.BtnUp}
	for tick := 0; tick < 600; tick++ {
		sess.AddLocalInput(0, demo.Input{Buttons: buttons[tick/30%len(buttons)]})
		sess.AddLocalInput(1, demo.Input{Buttons: buttons[(tick/17+2)%len(buttons)]})

		for _, req := range sess.AdvanceFrame() {
			switch r := req.(type) {
			case rewind.SaveRequest[demo.Input, demo.State]:
				r.Cell.State = game.Clone()
				r.Cell.Checksum = game.Checksum()
			case rewind.LoadRequest[demo.Input, demo.State]:
				game = r.Cell.State.Clone()
			case rewind.AdvanceRequest[demo.Input, demo.State]:
				game.Advance(r.Inputs)
			}
		}
		for _, ev := range sess.DrainEvents() {
			if d, ok := ev.(rewind.DesyncDetected); ok {
				return fmt.Errorf("synctest failed at frame %d", d.Frame)
			}
		}
	}
	fmt.Println("synctest passed: 600 frames deterministic")
	return nil
}

func runUI(cfg config, instances []*instance) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	keys := make(chan *tcell.EventKey, 32)
	go func() {
		for {
			ev := screen.PollEvent()
			if key, ok := ev.(*tcell.EventKey); ok {
				keys <- key
			}
		}
	}()

	fps := cfg.FPS
	if fps <= 0 {
		fps = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case key := <-keys:
			if key.Key() == tcell.KeyEscape || key.Rune() == 'q' {
				return nil
			}
			routeKey(key, instances)
		case <-ticker.C:
			for _, inst := range instances {
				inst.tick()
			}
			draw(screen, instances[0])
		}
	}
}

// routeKey turns a key press into one tick's worth of held buttons.
// WASD feeds the first instance, arrows the last, so pair mode plays
// both sides from one keyboard.
func routeKey(key *tcell.EventKey, instances []*instance) {
	first, last := instances[0], instances[len(instances)-1]
	switch key.Rune() {
	case 'w':
		first.pending.Buttons |= demo.BtnUp
	case 's':
		first.pending.Buttons |= demo.BtnDown
	case 'a':
		first.pending.Buttons |= demo.BtnLeft
	case 'd':
		first.pending.Buttons |= demo.BtnRight
	}
	switch key.Key() {
	case tcell.KeyUp:
		last.pending.Buttons |= demo.BtnUp
	case tcell.KeyDown:
		last.pending.Buttons |= demo.BtnDown
	case tcell.KeyLeft:
		last.pending.Buttons |= demo.BtnLeft
	case tcell.KeyRight:
		last.pending.Buttons |= demo.BtnRight
	}
}

func draw(screen tcell.Screen, inst *instance) {
	screen.Clear()
	border := tcell.StyleDefault.Foreground(tcell.ColorGray)
	for x := 0; x <= demo.Width+1; x++ {
		screen.SetContent(x, 0, '-', nil, border)
		screen.SetContent(x, demo.Height+1, '-', nil, border)
	}
	for y := 0; y <= demo.Height+1; y++ {
		screen.SetContent(0, y, '|', nil, border)
		screen.SetContent(demo.Width+1, y, '|', nil, border)
	}

	screen.SetContent(int(inst.game.CrumbX)+1, int(inst.game.CrumbY)+1, '*', nil,
		tcell.StyleDefault.Foreground(tcell.ColorYellow))
	for i, p := range inst.game.Pawns {
		screen.SetContent(int(p.X)+1, int(p.Y)+1, rune('0'+i), nil,
			tcell.StyleDefault.Foreground(tcell.ColorGreen))
	}

	scores := ""
	for i, p := range inst.game.Pawns {
		scores += fmt.Sprintf("P%d:%d  ", i, p.Score)
	}
	drawText(screen, 1, demo.Height+2, scores)
	drawText(screen, 1, demo.Height+3, fmt.Sprintf("frame %d  %s", inst.sess.CurrentFrame(), inst.status))
	screen.Show()
}

func drawText(screen tcell.Screen, x, y int, text string) {
	for i, r := range text {
		screen.SetContent(x+i, y, r, nil, tcell.StyleDefault)
	}
}
