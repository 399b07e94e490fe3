package inspect

import (
	"github.com/spaghettifunk/crude/engine/rendergraph"
)

type graphView struct {
	Name      string         `json:"name"`
	Order     []string       `json:"order"`
	Levels    [][]string     `json:"levels"`
	Nodes     []nodeView     `json:"nodes"`
	Resources []resourceView `json:"resources"`
	Edges     []edgeView     `json:"edges"`
}

type nodeView struct {
	Name       string   `json:"name"`
	Index      int      `json:"index"`
	Level      int      `json:"level"`
	Enabled    bool     `json:"enabled"`
	RenderPass bool     `json:"render_pass"`
	Inputs     []string `json:"inputs"`
	Outputs    []string `json:"outputs"`
	References []string `json:"references,omitempty"`
	DependsOn  []string `json:"depends_on"`
}

type resourceView struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	External   bool      `json:"external"`
	Format     string    `json:"format,omitempty"`
	Resolution [2]uint32 `json:"resolution"`
	Size       uint64    `json:"size,omitempty"`
	PerFrame   bool      `json:"per_frame"`
	Producer   string    `json:"producer,omitempty"`
	Consumers  []string  `json:"consumers"`
	Instances  int       `json:"instances"`
	RefCount   int32     `json:"ref_count"`
	Releases   uint64    `json:"releases"`
}

type edgeView struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Resource string `json:"resource,omitempty"`
}

func nodeNames(nodes []*rendergraph.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func resourceNames(g *rendergraph.Graph, handles []rendergraph.ResourceHandle) []string {
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if r, ok := g.Resource(h); ok {
			out = append(out, r.Name)
		}
	}
	return out
}

func nodeName(g *rendergraph.Graph, h rendergraph.NodeHandle) string {
	if n, ok := g.Node(h); ok {
		return n.Name
	}
	return ""
}

func describeNode(g *rendergraph.Graph, n *rendergraph.Node) nodeView {
	v := nodeView{
		Name:       n.Name,
		Index:      n.Index,
		Level:      n.Level,
		Enabled:    n.Enabled(),
		RenderPass: n.HasRenderPass(),
		Inputs:     resourceNames(g, n.Inputs),
		Outputs:    resourceNames(g, n.Outputs),
		References: resourceNames(g, n.References),
		DependsOn:  make([]string, 0, len(n.Edges)),
	}
	for _, e := range n.Edges {
		v.DependsOn = append(v.DependsOn, nodeName(g, e))
	}
	return v
}

func describeResource(g *rendergraph.Graph, r *rendergraph.Resource) resourceView {
	v := resourceView{
		Name:       r.Name,
		Type:       r.Type.String(),
		External:   r.External,
		Resolution: r.Resolution,
		PerFrame:   r.PerFrame,
		Producer:   nodeName(g, r.Producer),
		Consumers:  make([]string, 0, len(r.Consumers)),
		Instances:  r.Instances(),
		RefCount:   r.RefCount(),
		Releases:   r.Releases(),
	}
	if r.IsTexture() {
		v.Format = r.Format.String()
	} else {
		v.Size = r.Size
	}
	for _, c := range r.Consumers {
		v.Consumers = append(v.Consumers, nodeName(g, c))
	}
	return v
}

func describeGraph(g *rendergraph.Graph) graphView {
	v := graphView{Name: g.Name, Order: nodeNames(g.Order())}
	for _, level := range g.Levels() {
		v.Levels = append(v.Levels, nodeNames(level))
	}
	for _, n := range g.Nodes() {
		v.Nodes = append(v.Nodes, describeNode(g, n))
	}
	for _, r := range g.Resources() {
		v.Resources = append(v.Resources, describeResource(g, r))
		// one edge per producer to consumer hand-off
		from := nodeName(g, r.Producer)
		if from == "" {
			continue
		}
		for _, c := range r.Consumers {
			if to := nodeName(g, c); to != "" && to != from {
				v.Edges = append(v.Edges, edgeView{From: from, To: to, Resource: r.Name})
			}
		}
	}
	return v
}
