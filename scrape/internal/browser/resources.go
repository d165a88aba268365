package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources fails requests for the configured resource types. The
// returned router must be stopped when the page is done.
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blockSet, h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// shouldBlock maps CDP resource types to config names. Documents and
// scripts are never blocked: challenge pages need them.
func shouldBlock(blockSet map[string]bool, resType proto.NetworkResourceType) bool {
	switch resType {
	case proto.NetworkResourceTypeDocument, proto.NetworkResourceTypeScript, proto.NetworkResourceTypeXHR, proto.NetworkResourceTypeFetch:
		return false
	case proto.NetworkResourceTypeImage:
		return blockSet["images"]
	case proto.NetworkResourceTypeFont:
		return blockSet["fonts"]
	case proto.NetworkResourceTypeMedia:
		return blockSet["media"]
	case proto.NetworkResourceTypeStylesheet:
		return blockSet["stylesheets"]
	}
	return blockSet[strings.ToLower(string(resType))]
}
