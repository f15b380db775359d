package x86

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/benbjohnson/ropgen"
	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// CacheVersion is the version of the on-disk cache format.
const CacheVersion = 1

// ErrCacheMiss is returned when no cache entry exists for a key.
var ErrCacheMiss = errors.New("x86: cache miss")

// Cache stores the gadgets extracted from binaries as YAML files, one per
// binary, named by the hash of the binary contents.
type Cache struct {
	Dir string
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{Dir: dir}
}

type cacheFile struct {
	Version int          `yaml:"version"`
	Gadgets []cacheEntry `yaml:"gadgets"`
}

type cacheEntry struct {
	Action    string   `yaml:"action"`
	Addresses []uint64 `yaml:"addresses,flow"`
}

// Key returns the cache key of a binary.
func Key(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Path returns the file path of a cache entry.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.Dir, key+".yaml")
}

// Load returns the catalog stored under key. Returns ErrCacheMiss if none exists.
func (c *Cache) Load(key string) (*ropgen.Catalog, error) {
	buf, err := os.ReadFile(c.Path(key))
	if os.IsNotExist(err) {
		return nil, ErrCacheMiss
	} else if err != nil {
		return nil, err
	}

	var file cacheFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Path(key), err)
	} else if file.Version != CacheVersion {
		return nil, ErrCacheMiss
	}

	catalog := ropgen.NewCatalog()
	for _, entry := range file.Gadgets {
		action, err := ropgen.ParseAction(entry.Action)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Path(key), err)
		}
		for _, addr := range entry.Addresses {
			catalog.Add(action, addr)
		}
	}
	return catalog, nil
}

// Save writes catalog under key.
func (c *Cache) Save(key string, catalog *ropgen.Catalog) error {
	file := cacheFile{Version: CacheVersion}
	for _, g := range catalog.Entries() {
		file.Gadgets = append(file.Gadgets, cacheEntry{Action: g.Action.String(), Addresses: g.Addresses})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return err
	} else if err := enc.Close(); err != nil {
		return err
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.Path(key), buf.Bytes(), 0o644)
}

// ExtractFile returns the gadgets of the ELF binary at path. A non-zero bits
// overrides the decoding mode given by the ELF class. If cache is not nil,
// gadgets are read from it when present and saved to it otherwise.
func ExtractFile(path string, bits int, cache *Cache) (*ropgen.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key := Key(data)
	if bits != 0 {
		key = fmt.Sprintf("%s-%d", key, bits)
	}

	if cache != nil {
		catalog, err := cache.Load(key)
		if err == nil {
			log.Printf("[extract] cache hit: %s", cache.Path(key))
			return catalog, nil
		} else if err != ErrCacheMiss {
			return nil, err
		}
	}

	text, err := ReadText(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if bits == 0 {
		bits = text.Bits
	}
	catalog := Extract(text.Code, text.Addr, bits)

	if cache != nil {
		if err := cache.Save(key, catalog); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}
