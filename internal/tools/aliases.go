package tools

import "strings"

// aliasGroups lists the names that enable each other. The first entry is the
// catalog name.
var aliasGroups = [][]string{
	{"web_search", "brave_search", "search_web", "internet_search"},
	{"send_email", "gmail_send", "email_send"},
	{"list_emails", "gmail_list", "inbox_list"},
	{"get_email_details", "gmail_get", "read_email"},
	{"search_emails", "gmail_search", "email_search"},
	{"search_knowledge", "knowledge_search", "memory_search"},
	{"delegate_task", "delegate", "assign_task"},
	{"update_task_status", "set_task_status", "complete_task"},
	{"generate_image", "image_generation", "dalle"},
	{"create_github_issue", "github_issue", "github_create_issue"},
	{"create_pull_request", "github_pull_request", "github_create_pr"},
	{"create_notion_page", "notion_page", "notion_create_page"},
	{"post_to_x", "post_tweet", "twitter_post"},
}

var aliasIndex = func() map[string]int {
	idx := make(map[string]int)
	for i, group := range aliasGroups {
		for _, n := range group {
			idx[n] = i
		}
	}
	return idx
}()

// Canonical maps a tool name or alias to its catalog name. Unknown names are
// returned lower-cased.
func Canonical(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if i, ok := aliasIndex[n]; ok {
		return aliasGroups[i][0]
	}
	return n
}

// Allowed reports whether an allow-list permits tool. A nil list is
// unrestricted; otherwise the list must name the tool or one of its aliases.
func Allowed(allowed []string, tool string) bool {
	if allowed == nil {
		return true
	}
	want := Canonical(tool)
	for _, a := range allowed {
		if Canonical(a) == want {
			return true
		}
	}
	return false
}
