package shared

import (
	"context"

	"github.com/valyala/fasthttp"
)

// DoWithContext runs a fasthttp request and gives up waiting when ctx ends.
// The request itself is not aborted; its result is dropped.
func DoWithContext(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response) error {
	// req/resp are released by the caller as soon as we return, so the
	// goroutine works on private copies.
	r := fasthttp.AcquireRequest()
	req.CopyTo(r)
	out := fasthttp.AcquireResponse()
	errC := make(chan error, 1)
	go func() {
		err := client.Do(r, out)
		fasthttp.ReleaseRequest(r)
		errC <- err
	}()
	select {
	case <-ctx.Done():
		go func() {
			<-errC
			fasthttp.ReleaseResponse(out)
		}()
		return context.Cause(ctx)
	case err := <-errC:
		if err == nil {
			out.CopyTo(resp)
		}
		fasthttp.ReleaseResponse(out)
		return err
	}
}
