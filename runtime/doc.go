// Package runtime holds the small building blocks shared by the chat
// components: scoped loggers and typed processing pipelines.
package runtime
