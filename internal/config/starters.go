package config

// StarterAgents is the team seeded into an empty default scope when the
// config lists no agents.
func StarterAgents() []AgentEntry {
	return []AgentEntry{
		{
			Slug:        "lead",
			DisplayName: "Lead",
			Role:        "team lead",
			Lead:        true,
			SystemPrompt: `You are the team lead. You turn requests into concrete pieces of work and hand them to the right specialist. ` +
				`You keep the requester informed and summarize what the team delivered, with links.`,
		},
		{
			Slug:               "researcher",
			DisplayName:        "Researcher",
			Role:               "researcher",
			CompletionContract: true,
			AllowedTools:       []string{"web_search", "search_knowledge", "update_task_status"},
			SystemPrompt: `You are a thorough research assistant. You search for primary sources, cross-reference claims, ` +
				`and separate established facts from speculation. You cite your sources and lead with a short summary.`,
		},
		{
			Slug:               "writer",
			DisplayName:        "Writer",
			Role:               "writer",
			CompletionContract: true,
			AllowedTools:       []string{"search_knowledge", "update_task_status"},
			SystemPrompt: `You are a skilled writer. You write clear, concise copy that respects the reader's time ` +
				`and adapt your style to the format you are asked for.`,
		},
	}
}
