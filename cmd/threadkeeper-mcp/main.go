// threadkeeper-mcp exposes the knowledge graph as MCP tools over stdio:
// graph_stats, person_lookup and graph_snapshot. It opens the same SQLite
// database as the main service in read-mostly fashion.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dwalters/threadkeeper/internal/store"
)

var db *store.Store

func main() {
	// Log to stderr so stdout is clean for JSON-RPC
	log.SetOutput(os.Stderr)
	log.SetPrefix("[threadkeeper-mcp] ")

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	ownerName := os.Getenv("OWNER_NAME")
	if ownerName == "" {
		ownerName = "Me"
	}

	var err error
	db, err = store.Open(dataDir, ownerName)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	s := server.NewMCPServer(
		"threadkeeper-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(statsTool(), handleStats)
	s.AddTool(personLookupTool(), handlePersonLookup)
	s.AddTool(snapshotTool(), handleSnapshot)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func statsTool() mcp.Tool {
	return mcp.NewTool("graph_stats",
		mcp.WithDescription("Summary counts for the knowledge graph: persons, topics, relationships, stored turns, and the most recently seen people."),
	)
}

func handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := db.Stats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read stats: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Persons: %d\nTopics: %d\nRelationships: %d\nTurns: %d\n",
		stats.Persons, stats.Topics, stats.Relationships, stats.Turns)
	if len(stats.RecentPersons) > 0 {
		b.WriteString("\nRecently seen:\n")
		for _, p := range stats.RecentPersons {
			fmt.Fprintf(&b, "- %s (last seen %s, %d interactions)\n",
				p.Name, p.LastSeen.Format("2006-01-02"), p.InteractionCount)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func personLookupTool() mcp.Tool {
	return mcp.NewTool("person_lookup",
		mcp.WithDescription("Look up a person by name or alias. Returns their canonical record, known aliases, and topics they have discussed."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name or alias to look up (case-insensitive)"),
		),
	)
}

func handlePersonLookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	name, _ := args["name"].(string)
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	person, err := db.FindPersonByName(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	if person == nil {
		return mcp.NewToolResultText(fmt.Sprintf("No person matching %q", name)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (id %d)\n", person.Name, person.ID)
	if person.ExternalID != "" {
		fmt.Fprintf(&b, "External ID: %s\n", person.ExternalID)
	}
	fmt.Fprintf(&b, "First seen: %s\nLast seen: %s\nInteractions: %d\n",
		person.FirstSeen.Format("2006-01-02"), person.LastSeen.Format("2006-01-02"), person.InteractionCount)
	if len(person.Aliases) > 0 {
		fmt.Fprintf(&b, "Aliases: %s\n", strings.Join(person.Aliases, ", "))
	}

	pairs, err := db.AllPersonTopics()
	if err == nil {
		var topics []string
		for _, pt := range pairs {
			if pt.PersonID != person.ID {
				continue
			}
			if topic, err := db.GetTopic(pt.TopicID); err == nil && topic != nil {
				topics = append(topics, fmt.Sprintf("%s (%d mentions)", topic.Name, pt.MentionCount))
			}
		}
		if len(topics) > 0 {
			fmt.Fprintf(&b, "Topics: %s\n", strings.Join(topics, ", "))
		}
	}

	return mcp.NewToolResultText(b.String()), nil
}

func snapshotTool() mcp.Tool {
	return mcp.NewTool("graph_snapshot",
		mcp.WithDescription("The full materialized graph as JSON: person and topic nodes plus relationship and discussion links. The same shape the websocket channel sends on connect."),
	)
}

func handleSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graph, err := db.MaterializeGraph()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to materialize graph: %v", err)), nil
	}

	data, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode graph: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
