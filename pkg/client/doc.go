/*
Package client provides a Go client library for the Billet HTTP API.

The client wraps the control plane's JSON surface with a convenient,
idiomatic Go interface. It handles request encoding, bearer
authentication, error decoding, and provides type-safe methods for
every public and internal operation, plus a channel-based reader for
the server-sent event stream.

# Architecture

The client sits between application code and the API server:

	┌──────────────────── APPLICATION CODE ─────────────────────┐
	│                                                           │
	│  import "github.com/billetlabs/billet/pkg/client"         │
	│                                                           │
	│  c := client.New("manager:8080", client.WithToken(tok))   │
	│  inst, err := c.CreateInstance(...)                       │
	│                                                           │
	└──────────────────┬────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ────────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────────┐          │
	│  │           Client                            │          │
	│  │  - Per-resource methods                     │          │
	│  │  - JSON encode / decode                     │          │
	│  │  - APIError mapping (status + audit id)     │          │
	│  │  - Per-request deadlines                    │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │         net/http transport                  │          │
	│  │  - Bearer token header                      │          │
	│  │  - SSE frame parsing for /v1/events         │          │
	│  └──────────────────┬──────────────────────────┘          │
	└─────────────────────┼─────────────────────────────────────┘
	                      │ HTTP (port 8080)
	                      ▼
	               Billet API server

# Operations

Definitions:

	CreateDefinition    Register a version and cache its artifact
	ListDefinitions     Filter by name, owner, deprecation
	GetDefinition       Fetch one (name, version) record
	Artifact            Fetch the cached topology body
	SyncDefinition      Re-fetch the artifact from its source URI
	DeprecateDefinition Block new instances of a version
	DeleteDefinition    Remove a version no instance pins

Instances:

	CreateInstance      Book a lab run for a timeslot
	ListInstances       Filter by state, owner, definition
	GetInstance         Fetch one record
	StartInstance       Begin instantiation early
	StopInstance        Wind a lab down
	CollectInstance     Hand a lab to assessment
	DeleteInstance      Remove a settled record

Workers:

	ImportWorker        Register capacity bought out of band
	ListWorkers         Fleet listing with revision
	GetWorker           Fetch one record
	WorkerCapacity      Free/used resource accounting
	WorkerPorts         Port range accounting
	ListTemplates       Worker template listing
	GetTemplate         Fetch one template
	DrainWorker         Begin scale-down (internal)
	ScaleUp             Record demand for one more worker (internal)

Cluster:

	ClusterStatus       Raft role and membership
	JoinCluster         Add this node as a voter (internal)
	IssueToken          Mint a bearer credential (internal)

Events:

	StreamEvents        Subscribe to the push channel

# Usage

Reading fleet state:

	c := client.New("localhost:8080")

	list, err := c.ListWorkers()
	if err != nil {
		return err
	}
	for _, w := range list.Workers {
		fmt.Printf("%s %s %d instances\n", w.Name, w.Status, len(w.InstanceIDs))
	}

Booking an instance:

	inst, err := c.CreateInstance(client.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot: types.Timeslot{
			Start: time.Now().Add(30 * time.Minute),
			End:   time.Now().Add(4 * time.Hour),
		},
		Owner: "course-42",
	})

Following the event stream:

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.StreamEvents(ctx, client.StreamOptions{
		Types: []string{"instance.running", "instance.stopped"},
	})
	if err != nil {
		return err
	}
	for e := range ch {
		fmt.Printf("%s %s\n", e.Type, e.AggregateID)
	}

# Error Handling

Non-2xx responses decode into *APIError carrying the HTTP status, the
server's message, and the audit id for internal errors. Helpers cover
the common cases:

	_, err := c.GetInstance(id)
	if client.IsNotFound(err) {
		// no such instance
	}

# Authentication

Public endpoints need no credential. The internal surface (drain,
scale-up, cluster join, token minting) requires a bearer token issued
by the control plane:

	c := client.New("manager:8080", client.WithToken(secret))

# See Also

	pkg/api     - The server side of this surface
	pkg/events  - Event envelope and payload catalog
	pkg/types   - Core domain objects
*/
package client
