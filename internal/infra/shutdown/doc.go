// Package shutdown runs cleanup hooks when the process is asked to stop.
//
//	h := shutdown.NewHandler(30*time.Second, logger)
//	h.OnShutdown("storage", muxer.Destroy)
//	err := h.Wait(ctx)
package shutdown
