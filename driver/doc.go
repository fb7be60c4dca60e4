// Package driver supervises a worker process and exchanges requests with it over TCP.
//
// A Driver moves through the states Closed, Running, Connected and Closing. GoOnline starts
// a worker when needed and waits for its hello; ExecuteCommand sends a request and blocks until
// the matching reply arrives or a timeout elapses. Worker output, replies and lifecycle changes
// are delivered to subscribers as Events.
//
//	d, err := driver.New(driver.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	d.Start()
//	defer d.Shutdown(ctx)
//	reply, ok := d.ExecuteCommand("interact reset", protocol.Message{}, 30*time.Second)
package driver
