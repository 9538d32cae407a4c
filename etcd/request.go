// Copyright 2021 Molecula Corp. All rights reserved.
package etcd

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
)

// Ensure type implements interface.
var _ filtermerge.RequestStore = (*RequestStore)(nil)

// RequestStore keeps each request as one meta key holding the immutable
// part of the record plus one key per progress counter:
//
//	<prefix>/requests/<id>/meta
//	<prefix>/requests/<id>/progress/<field>
//
// Counters are swapped with a transaction comparing the key's value.
type RequestStore struct {
	e      *Etcd
	prefix string
}

// NewRequestStore returns a RequestStore using e, which must be started,
// keeping its keys under prefix.
func NewRequestStore(e *Etcd, prefix string) *RequestStore {
	return &RequestStore{
		e:      e,
		prefix: path.Join("/", prefix, "requests"),
	}
}

func (s *RequestStore) requestPrefix(id filtermerge.RequestID) string {
	return s.prefix + "/" + string(id) + "/"
}

func (s *RequestStore) metaKey(id filtermerge.RequestID) string {
	return s.requestPrefix(id) + "meta"
}

func (s *RequestStore) fieldKey(id filtermerge.RequestID, field filtermerge.Field) string {
	return s.requestPrefix(id) + "progress/" + string(field)
}

func (s *RequestStore) PutRequest(ctx context.Context, req *filtermerge.Request) error {
	meta := req.Copy()
	meta.Progress = filtermerge.Progress{}
	val, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshalling request to json")
	}

	ops := []clientv3.Op{clientv3.OpPut(s.metaKey(req.ID), string(val))}
	for _, f := range filtermerge.Fields {
		v, err := req.Progress.Get(f)
		if err != nil {
			return err
		}
		ops = append(ops, clientv3.OpPut(s.fieldKey(req.ID, f), strconv.FormatInt(v, 10)))
	}

	var resp *clientv3.TxnResponse
	err = s.e.txnClient(func(cli *clientv3.Client) (err error) {
		resp, err = cli.Txn(ctx).
			If(clientv3util.KeyMissing(s.metaKey(req.ID))).
			Then(ops...).
			Commit()
		return err
	})
	if err != nil {
		return errors.Wrap(err, "executing transaction")
	}
	if !resp.Succeeded {
		return filtermerge.NewErrRequestExists(req.ID)
	}
	return nil
}

func (s *RequestStore) Request(ctx context.Context, id filtermerge.RequestID) (*filtermerge.Request, error) {
	var resp *clientv3.GetResponse
	err := s.e.retryClient(func(cli *clientv3.Client) (err error) {
		resp, err = cli.Get(ctx, s.requestPrefix(id), clientv3.WithPrefix())
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting request")
	}

	reqs, err := s.decode(resp)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, filtermerge.NewErrRequestDoesNotExist(id)
	}
	return reqs[0], nil
}

func (s *RequestStore) CompareAndSwap(ctx context.Context, id filtermerge.RequestID, field filtermerge.Field, old, new int64) (bool, error) {
	if _, err := filtermerge.ParseField(string(field)); err != nil {
		return false, err
	}
	key := s.fieldKey(id, field)

	var resp *clientv3.TxnResponse
	err := s.e.txnClient(func(cli *clientv3.Client) (err error) {
		resp, err = cli.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(key), "=", strconv.FormatInt(old, 10))).
			Then(clientv3.OpPut(key, strconv.FormatInt(new, 10))).
			Else(clientv3.OpGet(s.metaKey(id), clientv3.WithCountOnly())).
			Commit()
		return err
	})
	if err != nil {
		return false, errors.Wrap(err, "executing transaction")
	}
	if resp.Succeeded {
		return true, nil
	}
	if rng := resp.Responses[0].GetResponseRange(); rng == nil || rng.Count == 0 {
		return false, filtermerge.NewErrRequestDoesNotExist(id)
	}
	return false, nil
}

func (s *RequestStore) Requests(ctx context.Context) ([]*filtermerge.Request, error) {
	var resp *clientv3.GetResponse
	err := s.e.retryClient(func(cli *clientv3.Client) (err error) {
		resp, err = cli.Get(ctx, s.prefix+"/", clientv3.WithPrefix())
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting requests")
	}
	return s.decode(resp)
}

// decode assembles requests from the keys of one Get, which all come from
// the same revision.
func (s *RequestStore) decode(resp *clientv3.GetResponse) ([]*filtermerge.Request, error) {
	byID := make(map[string]*filtermerge.Request)
	progress := make(map[string]map[filtermerge.Field]int64)

	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), s.prefix+"/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		id, sub := parts[0], parts[1]

		switch {
		case sub == "meta":
			req := &filtermerge.Request{}
			if err := json.Unmarshal(kv.Value, req); err != nil {
				return nil, errors.Wrapf(err, "unmarshalling request %s", id)
			}
			byID[id] = req
		case strings.HasPrefix(sub, "progress/"):
			field, err := filtermerge.ParseField(strings.TrimPrefix(sub, "progress/"))
			if err != nil {
				return nil, err
			}
			v, err := strconv.ParseInt(string(kv.Value), 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %s of request %s", field, id)
			}
			if progress[id] == nil {
				progress[id] = make(map[filtermerge.Field]int64)
			}
			progress[id][field] = v
		}
	}

	out := make([]*filtermerge.Request, 0, len(byID))
	for id, req := range byID {
		for field, v := range progress[id] {
			if err := req.Progress.Set(field, v); err != nil {
				return nil, err
			}
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
