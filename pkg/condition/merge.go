package condition

import (
	"github.com/menta2k/condition-report/pkg/sides"
	"github.com/menta2k/condition-report/pkg/types"
)

// PlanPreloads lists the signed URLs that would replace an already rendered
// URL for the same storage path. They must be fetched before Merge swaps them in.
func PlanPreloads(current, server []types.SidePhoto) []string {
	var urls []string
	for i := range server {
		if i >= len(current) {
			break
		}
		cur := current[i]
		if cur.Image.IsLocalOnly() {
			continue
		}
		if u, ok := swapURL(cur.Image, server[i].Image); ok {
			urls = append(urls, u)
		}

		byMarker := observationsByMarker(cur.Observations)
		for _, so := range server[i].Observations {
			co, ok := byMarker[so.MarkerID]
			if !ok {
				continue
			}
			byPath := photosByPath(co.Photos)
			for _, sp := range so.Photos {
				if u, ok := swapURL(byPath[sp.StoragePath], sp); ok {
					urls = append(urls, u)
				}
			}
		}
	}
	return urls
}

// Merge reconciles the in-memory sides with the server's view.
//
// A side whose image is local-only is kept as is. Otherwise the server wins,
// except that unchanged images, photos and observations keep their current
// pointers, and a new signed URL for the same path is only taken when ready
// reports it was preloaded. Local-only detail photos are carried over.
func Merge(current, server []types.SidePhoto, ready func(url string) bool) []types.SidePhoto {
	if ready == nil {
		ready = func(string) bool { return true }
	}
	out := make([]types.SidePhoto, len(server))
	for i, srv := range server {
		if i >= len(current) {
			out[i] = srv
			continue
		}
		cur := current[i]
		if cur.Image.IsLocalOnly() {
			out[i] = cur
			continue
		}

		candidate := types.SidePhoto{
			Side:         srv.Side,
			Image:        mergeImage(cur.Image, srv.Image, ready),
			Observations: mergeObservations(cur.Observations, srv.Observations, ready),
		}
		if sides.SameSide(cur, candidate) {
			out[i] = cur
			continue
		}
		out[i] = candidate
	}
	return out
}

func swapURL(cur, srv *types.UploadedImage) (string, bool) {
	if cur == nil || srv == nil || cur.StoragePath == "" || cur.StoragePath != srv.StoragePath {
		return "", false
	}
	if srv.PreviewURL == "" || srv.PreviewURL == cur.PreviewURL {
		return "", false
	}
	return srv.PreviewURL, true
}

func mergeImage(cur, srv *types.UploadedImage, ready func(string) bool) *types.UploadedImage {
	if srv == nil {
		return nil
	}
	if cur != nil && cur.StoragePath == srv.StoragePath {
		u, ok := swapURL(cur, srv)
		if !ok || !ready(u) {
			return cur
		}
	}
	return srv
}

func mergeObservations(cur, srv []types.Observation, ready func(string) bool) []types.Observation {
	if len(srv) == 0 {
		if len(cur) == 0 {
			return cur
		}
		return nil
	}

	byMarker := observationsByMarker(cur)
	out := make([]types.Observation, len(srv))
	same := len(cur) == len(srv)
	for i, so := range srv {
		co, ok := byMarker[so.MarkerID]
		if !ok {
			out[i] = so
			same = false
			continue
		}

		photos := mergePhotos(co.Photos, so.Photos, ready)
		if co.X == so.X && co.Y == so.Y && co.Note == so.Note && samePhotos(photos, co.Photos) {
			out[i] = co
		} else {
			merged := so
			merged.ID = co.ID
			merged.Photos = photos
			out[i] = merged
			same = false
		}
		if same && cur[i].MarkerID != so.MarkerID {
			same = false
		}
	}
	if same {
		return cur
	}
	return out
}

func mergePhotos(cur, srv []*types.UploadedImage, ready func(string) bool) []*types.UploadedImage {
	byPath := photosByPath(cur)
	out := make([]*types.UploadedImage, 0, len(srv))
	for _, sp := range srv {
		if cp, ok := byPath[sp.StoragePath]; ok {
			out = append(out, mergeImage(cp, sp, ready))
			continue
		}
		out = append(out, sp)
	}
	for _, cp := range cur {
		if cp != nil && !cp.IsDurable() {
			out = append(out, cp)
		}
	}
	if samePhotos(out, cur) {
		return cur
	}
	return out
}

func samePhotos(a, b []*types.UploadedImage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func observationsByMarker(obs []types.Observation) map[string]types.Observation {
	m := make(map[string]types.Observation, len(obs))
	for _, o := range obs {
		if o.MarkerID != "" {
			m[o.MarkerID] = o
		}
	}
	return m
}

func photosByPath(photos []*types.UploadedImage) map[string]*types.UploadedImage {
	m := make(map[string]*types.UploadedImage, len(photos))
	for _, p := range photos {
		if p.IsDurable() {
			m[p.StoragePath] = p
		}
	}
	return m
}
