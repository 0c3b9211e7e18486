// Command demo walks through the record API of a running qubedb cluster.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"qubedb/pkg/client"
	"qubedb/pkg/record"
)

func pause(msg string) {
	fmt.Println()
	fmt.Println(msg)
	fmt.Print("Press Enter to continue...")
	_, _ = bufio.NewReader(os.Stdin).ReadBytes('\n')
}

func show(label string, v any, err error) {
	if err != nil {
		fmt.Printf("[client] %-10s error: %v\n", label, err)
		return
	}
	raw, _ := json.Marshal(v)
	fmt.Printf("[client] %-10s %s\n", label, raw)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: demo http://node1:8080 [http://node2:8080 ...]")
		os.Exit(1)
	}
	nodes := make([]*client.Client, 0, len(os.Args)-1)
	for _, base := range os.Args[1:] {
		nodes = append(nodes, client.New(base))
	}
	c := nodes[0]
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Println("=== records in every namespace ===")
	users := []*record.Record{
		record.NewRow("users", "user:1", map[string]any{"name": "Alice", "age": 31}),
		record.NewRow("users", "user:2", map[string]any{"name": "Bob", "age": 27}),
		record.NewDocument("articles", "a1", map[string]any{"title": "Sharding", "tags": []any{"db", "go"}}),
		record.NewNode("social", "alice", map[string]any{"kind": "person"}),
		record.NewEdge("social", "alice", "bob", map[string]any{"since": 2019}),
	}
	for _, rec := range users {
		show("PUT "+rec.ID.Key, rec.ID, c.Put(ctx, rec))
	}
	show("CREATE", "vector/embeddings dim=3", c.CreateCollection(ctx, record.Vector, "embeddings", 3))
	show("PUT v1", "embeddings/v1", c.Put(ctx, record.NewVector("embeddings", "v1", []float32{0.1, 0.2, 0.3})))
	err := c.Put(ctx, record.NewVector("embeddings", "bad", []float32{1, 2}))
	show("PUT bad", nil, err)

	id, err := c.Insert(ctx, record.NewDocument("articles", "", map[string]any{"title": "generated key"}))
	show("INSERT", id, err)

	pause("Records are written. Reading them back from every node.")
	for i, n := range nodes {
		rec, err := n.Get(ctx, users[0].ID, false)
		show(fmt.Sprintf("node%d GET", i+1), rec, err)
	}
	rec, err := nodes[len(nodes)-1].Get(ctx, users[0].ID, true)
	show("GET lin", rec, err)

	pause("Updating and deleting.")
	show("UPDATE", nil, c.Update(ctx, record.NewRow("users", "user:2", map[string]any{"name": "Bob", "age": 28})))
	show("UPDATE", nil, c.Update(ctx, record.NewRow("users", "user:404", map[string]any{"name": "nobody"})))
	existed, err := c.Delete(ctx, users[0].ID)
	show("DELETE", existed, err)
	existed, err = c.Delete(ctx, users[0].ID)
	show("DELETE", existed, err)

	pause("Cluster status as seen by each node.")
	for i, n := range nodes {
		var status map[string]any
		err := n.ClusterStatus(ctx, &status)
		show(fmt.Sprintf("node%d", i+1), status, err)
	}
}
