package tools

import (
	"context"

	"github.com/basket/taskforce/internal/delegation"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/persistence"
)

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearcher runs web_search.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

type OutgoingEmail struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type EmailSummary struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Date    string `json:"date,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

type Email struct {
	EmailSummary
	To   string `json:"to,omitempty"`
	Body string `json:"body"`
}

// Mailer backs the four email tools.
type Mailer interface {
	Send(ctx context.Context, msg OutgoingEmail) (string, error)
	List(ctx context.Context, limit int) ([]EmailSummary, error)
	Get(ctx context.Context, id string) (*Email, error)
	Search(ctx context.Context, query string, limit int) ([]EmailSummary, error)
}

type KnowledgeHit struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
	Score   int    `json:"score"`
}

// KnowledgeSearcher backs search_knowledge and the think loop's retrieval block.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, scope, query string, limit int) ([]KnowledgeHit, error)
}

type ImageRequest struct {
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

type ImageResult struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// Link identifies something an adapter created on an external service.
type Link struct {
	ID     string `json:"id,omitempty"`
	Number int    `json:"number,omitempty"`
	URL    string `json:"url"`
}

type IssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

type PullRequestRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body,omitempty"`
	Draft bool   `json:"draft,omitempty"`
}

// CodeHost backs create_github_issue and create_pull_request.
type CodeHost interface {
	CreateIssue(ctx context.Context, req IssueRequest) (*Link, error)
	CreatePullRequest(ctx context.Context, req PullRequestRequest) (*Link, error)
}

type PagePublisher interface {
	CreatePage(ctx context.Context, title, content string) (*Link, error)
}

type SocialPoster interface {
	Post(ctx context.Context, text, replyToID string) (*Link, error)
}

// Delegator is satisfied by *delegation.Delegator.
type Delegator interface {
	Delegate(ctx context.Context, req delegation.Request) (*delegation.Result, error)
}

// StatusChanger is satisfied by *lifecycle.Machine.
type StatusChanger interface {
	SetStatus(ctx context.Context, taskID string, to persistence.TaskStatus, ch lifecycle.Change) (bool, error)
}

// MessagePoster appends a chat message to a task and wakes its readers.
type MessagePoster interface {
	PostMessage(ctx context.Context, taskID, sender, content string) (*persistence.Message, error)
}

// Adapters groups the external collaborators. Nil members make the tools
// that need them fail with a "not configured" adapter error.
type Adapters struct {
	Search    WebSearcher
	Mail      Mailer
	Knowledge KnowledgeSearcher
	Images    ImageGenerator
	Code      CodeHost
	Pages     PagePublisher
	Social    SocialPoster
	Delegator Delegator
	Status    StatusChanger
	Poster    MessagePoster
}
