package state

// Clone 深拷贝会话状态，用于整轮的全有或全无提交
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s

	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		copy(c.Messages, s.Messages)
	}
	if s.DomainResults != nil {
		c.DomainResults = make(map[Domain][]DomainResult, len(s.DomainResults))
		for d, results := range s.DomainResults {
			cp := make([]DomainResult, len(results))
			for i, r := range results {
				cp[i] = r.clone()
			}
			c.DomainResults[d] = cp
		}
	}
	c.UserPreferences = cloneStrings(s.UserPreferences)
	c.PendingParams = cloneStrings(s.PendingParams)
	if s.AgentHistory != nil {
		c.AgentHistory = make([]AgentName, len(s.AgentHistory))
		copy(c.AgentHistory, s.AgentHistory)
	}
	if s.HandoffContext != nil {
		h := *s.HandoffContext
		h.Parameters = cloneStrings(s.HandoffContext.Parameters)
		c.HandoffContext = &h
	}
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	if s.Errors != nil {
		c.Errors = make([]ErrorRecord, len(s.Errors))
		copy(c.Errors, s.Errors)
	}
	return &c
}

func (r DomainResult) clone() DomainResult {
	c := r
	c.Query = cloneMap(r.Query)
	c.Data = cloneMap(r.Data)
	return c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = cloneMap(e)
		}
		return out
	case map[string]string:
		return cloneStrings(t)
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		// 标量视为不可变
		return v
	}
}
