package cmd

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/fatih/color"
	"github.com/peterje/perfhint/pkg/perfhint"
	"github.com/spf13/cobra"
)

var (
	demoDuration time.Duration
	demoStart    bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a synthetic periodic workload with a hint session",
	Long: `Run a frame loop on a locked OS thread. Each frame burns CPU for a varying
amount of time, reports the actual duration, and sends hints when the load
changes: a spike (CPU_LOAD_UP), the return to normal (CPU_LOAD_DOWN), a
scene change (CPU_LOAD_RESET) and a pause followed by CPU_LOAD_RESUME.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 4*time.Second, "how long to run")
	demoCmd.Flags().BoolVar(&demoStart, "start", false, "start hintd in the background if it is not running")
	addTargetFlags(demoCmd)
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	mgr, cleanup, err := demoManager()
	if err != nil {
		return err
	}
	defer cleanup()

	// The session names this thread; keep the worker on it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	out := cmd.OutOrStdout()
	period := mgr.PreferredUpdateRate()
	tid := currentTID()
	sess, err := mgr.CreateSession([]int32{tid}, period)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer sess.Close()

	fmt.Fprintf(out, "session for tid %d, target %s, api level %d\n",
		tid, sess.TargetWorkDuration(), mgr.Capabilities().APILevel)

	w := &demoWorkload{sess: sess, out: out, period: period}
	return w.run(demoDuration)
}

func demoManager() (*perfhint.Manager, func(), error) {
	if !demoStart && targetFlag == "" {
		mgr, err := perfhint.GetManager()
		return mgr, func() {}, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	connectFn := connect
	if demoStart {
		connectFn = connectOrStart
	}
	client, err := connectFn(cfg)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := perfhint.NewManager(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return mgr, func() { client.Close() }, nil
}

type demoWorkload struct {
	sess   *perfhint.Session
	out    io.Writer
	period time.Duration

	frames  int
	overrun int
}

type demoPhase struct {
	name  string
	hint  *perfhint.SessionHint
	load  float64 // fraction of the period spent working
	share float64 // fraction of the run
	pause time.Duration
}

func hintPtr(h perfhint.SessionHint) *perfhint.SessionHint { return &h }

func (w *demoWorkload) run(total time.Duration) error {
	phases := []demoPhase{
		{name: "steady", load: 0.5, share: 0.25},
		{name: "spike", hint: hintPtr(perfhint.CPULoadUp), load: 1.3, share: 0.2},
		{name: "calm", hint: hintPtr(perfhint.CPULoadDown), load: 0.4, share: 0.2},
		{name: "scene change", hint: hintPtr(perfhint.CPULoadReset), load: 0.7, share: 0.2},
		{name: "resume", hint: hintPtr(perfhint.CPULoadResume), load: 0.6, share: 0.15, pause: 300 * time.Millisecond},
	}

	label := color.New(color.FgCyan, color.Bold)
	for _, p := range phases {
		if p.pause > 0 {
			time.Sleep(p.pause)
		}
		if p.hint != nil {
			if err := w.sess.SendHint(*p.hint); err != nil && !errors.Is(err, perfhint.ErrUnsupported) {
				return fmt.Errorf("send %s: %w", *p.hint, err)
			}
		}
		label.Fprintf(w.out, "%-13s", p.name)
		frames, overrun, err := w.phase(time.Duration(float64(total)*p.share), p.load)
		if err != nil {
			return err
		}
		fmt.Fprintf(w.out, " %4d frames, %3d over target\n", frames, overrun)
	}
	fmt.Fprintf(w.out, "done: %d frames, %d over target\n", w.frames, w.overrun)
	return nil
}

// phase runs frames for d, each burning load*period of CPU, and reports them.
func (w *demoWorkload) phase(d time.Duration, load float64) (frames, overrun int, err error) {
	work := time.Duration(float64(w.period) * load)
	end := time.Now().Add(d)
	next := time.Now()
	for time.Now().Before(end) {
		start := time.Now()
		spin(work)
		actual := time.Since(start)
		if err := w.sess.ReportActualWorkDuration(actual); err != nil {
			return frames, overrun, fmt.Errorf("report: %w", err)
		}
		frames++
		if actual > w.sess.TargetWorkDuration() {
			overrun++
		}
		next = next.Add(w.period)
		if wait := time.Until(next); wait > 0 {
			time.Sleep(wait)
		} else {
			next = time.Now()
		}
	}
	w.frames += frames
	w.overrun += overrun
	return frames, overrun, nil
}

func spin(d time.Duration) {
	deadline := time.Now().Add(d)
	x := 1
	for time.Now().Before(deadline) {
		for i := 0; i < 1000; i++ {
			x = x*31 + i
		}
	}
	_ = x
}
