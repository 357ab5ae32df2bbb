package flow

import (
	"encoding/json"
	"strings"
	"testing"
)

const sampleWorkflowJSON = `{
	"name": "support triage",
	"nodes": [
		{"id": "start", "kind": "start", "data": {}},
		{"id": "r", "kind": "router", "data": {"model": "gpt-4o-mini", "uiColor": "#ff0000"}},
		{"id": "a", "kind": "agent", "data": {"label": "Billing", "prompt": "Handle billing."}},
		{"id": "out", "kind": "output", "data": {"format": "markdown"}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "r"},
		{"id": "e2", "source": "r", "sourceHandle": "billing", "target": "a"},
		{"id": "e3", "source": "a", "target": "out"}
	],
	"viewport": {"x": 10, "y": 20, "zoom": 1.5}
}`

func TestParseWorkflow(t *testing.T) {
	wf, err := ParseWorkflow([]byte(sampleWorkflowJSON))
	if err != nil {
		t.Fatalf("ParseWorkflow() failed: %v", err)
	}
	if wf.Name != "support triage" {
		t.Errorf("Name = %q, want the document name", wf.Name)
	}
	if len(wf.Nodes) != 4 || len(wf.Edges) != 3 {
		t.Fatalf("parsed %d nodes and %d edges, want 4 and 3", len(wf.Nodes), len(wf.Edges))
	}
	if n := wf.Node("r"); n == nil || n.Kind != KindRouter || n.Data.Model != "gpt-4o-mini" {
		t.Errorf("router node = %+v, want the parsed configuration", wf.Node("r"))
	}
	if wf.Node("ghost") != nil {
		t.Error("lookup of an unknown id returned a node")
	}
	if len(wf.Viewport) == 0 {
		t.Error("viewport blob was dropped")
	}

	t.Run("rejects malformed documents", func(t *testing.T) {
		if _, err := ParseWorkflow([]byte(`{"nodes": "nope"`)); err == nil {
			t.Error("ParseWorkflow() accepted malformed JSON")
		}
	})
}

func TestNodeDataExtraRoundTrip(t *testing.T) {
	wf, err := ParseWorkflow([]byte(sampleWorkflowJSON))
	if err != nil {
		t.Fatalf("ParseWorkflow() failed: %v", err)
	}

	r := wf.Node("r")
	if string(r.Data.Extra["uiColor"]) != `"#ff0000"` {
		t.Fatalf("Extra = %v, want the unknown field preserved", r.Data.Extra)
	}

	out, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if !strings.Contains(string(out), `"uiColor":"#ff0000"`) {
		t.Errorf("re-encoded document dropped the unknown field:\n%s", out)
	}

	t.Run("a known field wins over a stale extra", func(t *testing.T) {
		d := NodeData{
			Label: "real",
			Extra: map[string]json.RawMessage{"label": json.RawMessage(`"stale"`)},
		}
		b, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("Marshal() failed: %v", err)
		}
		if !strings.Contains(string(b), `"label":"real"`) || strings.Contains(string(b), "stale") {
			t.Errorf("encoded data = %s, want the struct field preferred", b)
		}
	})
}

func TestWorkflowQueries(t *testing.T) {
	wf := testWorkflow(
		[]Node{
			{ID: "start", Kind: KindStart},
			{ID: "a", Kind: KindAgent},
			{ID: "b", Kind: KindOutput},
			{ID: "c", Kind: KindOutput},
		},
		[]Edge{
			{ID: "e1", Source: "start", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
			{ID: "e3", Source: "a", Target: "b", SourceHandle: HandleOutput},
			{ID: "e4", Source: "a", Target: "c", SourceHandle: HandleError},
		},
	)

	t.Run("outgoing and incoming", func(t *testing.T) {
		if got := wf.Outgoing("a"); len(got) != 3 {
			t.Errorf("Outgoing(a) returned %d edges, want 3", len(got))
		}
		if got := wf.Incoming("b"); len(got) != 2 {
			t.Errorf("Incoming(b) returned %d edges, want 2", len(got))
		}
		if got := wf.Outgoing("c"); got != nil {
			t.Errorf("Outgoing(c) = %v, want none", got)
		}
	})

	t.Run("the empty handle is the output handle", func(t *testing.T) {
		if got := wf.OutgoingOn("a", HandleOutput); len(got) != 2 {
			t.Errorf("OutgoingOn(a, output) returned %d edges, want the unnamed edge included", len(got))
		}
		if got := wf.OutgoingOn("a", HandleError); len(got) != 1 {
			t.Errorf("OutgoingOn(a, error) returned %d edges, want 1", len(got))
		}
	})

	t.Run("targets deduplicate", func(t *testing.T) {
		if got := wf.TargetsOn("a", HandleOutput); len(got) != 1 || got[0] != "b" {
			t.Errorf("TargetsOn(a, output) = %v, want [b]", got)
		}
		got := wf.Targets("a")
		if len(got) != 2 || got[0] != "b" || got[1] != "c" {
			t.Errorf("Targets(a) = %v, want [b c]", got)
		}
	})

	t.Run("start node lookup", func(t *testing.T) {
		if n := wf.StartNode(); n == nil || n.ID != "start" {
			t.Errorf("StartNode() = %v, want the start", n)
		}
		if n := testWorkflow(nil, nil).StartNode(); n != nil {
			t.Errorf("StartNode() on an empty workflow = %v, want nil", n)
		}
	})
}

func TestWorkflowExport(t *testing.T) {
	wf, err := ParseWorkflow([]byte(sampleWorkflowJSON))
	if err != nil {
		t.Fatalf("ParseWorkflow() failed: %v", err)
	}

	exp := wf.Export()
	if exp.Version != ExportVersion {
		t.Errorf("Version = %q, want %q", exp.Version, ExportVersion)
	}
	if exp.ExportedAt.IsZero() {
		t.Error("ExportedAt is zero")
	}

	b, err := json.Marshal(exp)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	// The export envelope must still parse as a plain workflow.
	back, err := ParseWorkflow(b)
	if err != nil {
		t.Fatalf("ParseWorkflow(export) failed: %v", err)
	}
	if len(back.Nodes) != len(wf.Nodes) {
		t.Errorf("round-tripped %d nodes, want %d", len(back.Nodes), len(wf.Nodes))
	}
}

func TestLabels(t *testing.T) {
	n := &Node{ID: "n1", Data: NodeData{Label: "Pretty"}}
	if n.Label() != "Pretty" {
		t.Errorf("Label() = %q, want the display label", n.Label())
	}
	n.Data.Label = ""
	if n.Label() != "n1" {
		t.Errorf("Label() = %q, want the id fallback", n.Label())
	}

	b := Branch{ID: "b1", Label: "Pros"}
	if b.Name() != "Pros" {
		t.Errorf("Name() = %q, want the label", b.Name())
	}
	b.Label = ""
	if b.Name() != "b1" {
		t.Errorf("Name() = %q, want the id fallback", b.Name())
	}
}
