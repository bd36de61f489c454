// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vmcp

// JSON-RPC method names. This table exists for wire-level dispatch
// only; internal routing works on typed message kinds.
const (
	MethodInitialize             = "initialize"
	MethodPing                   = "ping"
	MethodToolsList              = "tools/list"
	MethodToolsCall              = "tools/call"
	MethodPromptsList            = "prompts/list"
	MethodPromptsGet             = "prompts/get"
	MethodResourcesList          = "resources/list"
	MethodResourcesTemplatesList = "resources/templates/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesSubscribe     = "resources/subscribe"
	MethodResourcesUnsubscribe   = "resources/unsubscribe"
	MethodCompletionComplete     = "completion/complete"
	MethodRootsList              = "roots/list"
	MethodLoggingSetLevel        = "logging/setLevel"
	MethodSamplingCreateMessage  = "sampling/createMessage"
	MethodElicitationCreate      = "elicitation/create"

	NotificationInitialized        = "notifications/initialized"
	NotificationCancelled          = "notifications/cancelled"
	NotificationToolsListChanged   = "notifications/tools/list_changed"
	NotificationPromptsListChanged = "notifications/prompts/list_changed"
	NotificationResourcesChanged   = "notifications/resources/list_changed"
	NotificationResourcesUpdated   = "notifications/resources/updated"
	NotificationMessage            = "notifications/message"
	NotificationRootsListChanged   = "notifications/roots/list_changed"
	NotificationProgress           = "notifications/progress"
)
