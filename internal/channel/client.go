package channel

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/fsgeek/bitbucket/internal/errs"
)

// Client is one connection's view of a Region: it allocates a slot,
// publishes a request, and blocks for the matching response (§4.C9
// steps 1-3 and 6). The weighted semaphore bounds concurrent
// in-flight allocation attempts to SlotCount, turning "every slot is
// in use" into a clean acquire failure instead of a busy linear scan
// under contention (§B domain-stack wiring: golang.org/x/sync/semaphore).
type Client struct {
	region *Region
	sem    *semaphore.Weighted
}

// NewClient wraps region for client-side use.
func NewClient(region *Region) *Client {
	return &Client{region: region, sem: semaphore.NewWeighted(SlotCount)}
}

// Call allocates a slot, publishes req, blocks for the response, and
// decodes it. It returns ctx's error if ctx is canceled while waiting
// for a response, and errs.NoMemory if every slot is already in use.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	if !c.sem.TryAcquire(1) {
		return Response{}, errs.Wrap("channel-call", errs.NoMemory)
	}
	defer c.sem.Release(1)

	index, err := c.region.allocate()
	if err != nil {
		return Response{}, err
	}
	defer c.region.free(index)

	payload, err := EncodeRequest(req)
	if err != nil {
		return Response{}, err
	}
	c.region.slots[index].Payload = payload
	c.region.publishRequest(index)

	done := make(chan bool, 1)
	go func() {
		done <- c.region.waitForResponse(index)
	}()

	select {
	case ok := <-done:
		if !ok {
			return Response{}, errs.Wrap("channel-call", errs.BadDescriptor)
		}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	return DecodeResponse(c.region.slots[index].Payload)
}
