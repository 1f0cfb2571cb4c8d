package types

// Merge folds an ordered list of responses into one. Callers are
// responsible for ordering: heads pass responses in shard-index order,
// the gateway sorts fan-in predecessors lexicographically by pod name.
// Given the same order the result is deterministic.
//
// Rules: document lists are concatenated; parameter maps are unioned
// with last-writer-wins; routing traces are concatenated; the merged
// status is the worst of the inputs (ERROR > PENDING > SUCCESS).
func Merge(responses []*DataResponse) *DataResponse {
	if len(responses) == 0 {
		return nil
	}
	if len(responses) == 1 {
		return responses[0]
	}

	merged := &DataResponse{
		Header: responses[0].Header,
		Status: &Status{Code: StatusSuccess},
	}

	for _, resp := range responses {
		if resp == nil {
			continue
		}
		merged.Docs = append(merged.Docs, resp.Docs...)
		merged.Routes = append(merged.Routes, resp.Routes...)
		if len(resp.Parameters) > 0 {
			if merged.Parameters == nil {
				merged.Parameters = make(map[string]interface{}, len(resp.Parameters))
			}
			for k, v := range resp.Parameters {
				merged.Parameters[k] = v
			}
		}
		if resp.Status != nil {
			merged.Status.Code = Worst(merged.Status.Code, resp.Status.Code)
			if resp.Status.Code > StatusSuccess && resp.Status.Description != "" {
				merged.Status.Description = resp.Status.Description
			}
		}
	}
	return merged
}

// MergeRequests folds predecessor outputs into the request a pod will
// execute. Same rules as Merge, minus status.
func MergeRequests(requests []*DataRequest) *DataRequest {
	if len(requests) == 0 {
		return nil
	}
	if len(requests) == 1 {
		return requests[0]
	}

	merged := &DataRequest{Header: requests[0].Header}
	for _, req := range requests {
		if req == nil {
			continue
		}
		merged.Docs = append(merged.Docs, req.Docs...)
		merged.Routes = append(merged.Routes, req.Routes...)
		if len(req.Parameters) > 0 {
			if merged.Parameters == nil {
				merged.Parameters = make(map[string]interface{}, len(req.Parameters))
			}
			for k, v := range req.Parameters {
				merged.Parameters[k] = v
			}
		}
	}
	return merged
}
