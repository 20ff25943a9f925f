// Package perfhint lets applications ask the hint service for CPU resources
// sized to a periodic workload.
//
// A Manager is acquired once per process with GetManager. From it, create one
// Session per group of long-lived threads that cooperate on a periodic task,
// such as a render thread and its helpers, giving the desired per-cycle work
// duration:
//
//	mgr, err := perfhint.GetManager()
//	if err != nil {
//		return err
//	}
//	sess, err := mgr.CreateSession([]int32{int32(unix.Gettid())}, 6*time.Millisecond)
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	for frame := range frames {
//		start := time.Now()
//		render(frame)
//		sess.ReportActualWorkDuration(time.Since(start))
//	}
//
// Reports should not be sent more often than Manager.PreferredUpdateRate.
// Hints announce load changes before they show up in reported durations.
package perfhint
